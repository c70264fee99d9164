// scanner is used to scan a directory for policy files.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/ne-bknn/tree-sitter-apparmor/internal/resolver"
)

var log = commonlog.GetLogger("apparmor.scanner")

// Scan walks the entire subtree under root. Hidden and ignored
// directories are skipped entirely, as are ignored files. For each
// remaining file, we apply the skip() predicate, and if that returns false
// we read the file and invoke callback(path, contents).
// Scan will only return once all callbacks have completed. It stops early
// with ctx.Err() when ctx is cancelled.
func Scan(
	ctx context.Context,
	root string,
	skip func(path string, info fs.FileInfo) bool,
	callback func(path string, document []byte),
) error {
	fileCh := make(chan string, 100)
	var wg sync.WaitGroup

	// worker goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		for path := range fileCh {
			data, err := os.ReadFile(path)
			if err != nil {
				log.Warningf("read error: %s: %s", path, err)
				continue
			}
			callback(path, data)
		}
	}()

	log.Debugf("starting WalkDir at %q", root)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warningf("walk error: %s", err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if path != root && resolver.IgnoreDir(path) {
				log.Debugf("skipping %q", path)
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || resolver.IgnoreFile(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if skip != nil && skip(path, info) {
			return nil
		}

		select {
		case fileCh <- path:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})

	// no more files to send
	close(fileCh)
	// wait for the worker to finish consuming and calling back
	wg.Wait()

	if err != nil {
		log.Warningf("WalkDir finished with error: %s", err)
	}
	return err
}
