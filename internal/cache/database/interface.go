package database

// FileRecord is a policy file that was indexed. Files that are only
// known as include targets have Exists set to false.
type FileRecord struct {
	Path         string
	LastModified int64
	Exists       bool
}

type IncludeRecord struct {
	SourcePath string
	TargetPath string
	Optional   bool
}

type ProfileRecord struct {
	Name       string
	Path       string
	Attachment string
	Hat        bool
	Line       uint32
}

type VariableRecord struct {
	Name string
	Path string
	Line uint32
}

type Database interface {
	// Transaction handling
	WithTx(fn func(tx Transaction) error) error

	// File operations
	GetFile(path string) (*FileRecord, error)
	GetAllFiles() ([]FileRecord, error)
	UpsertFile(file *FileRecord) error
	DeleteFile(path string) error

	// Include operations
	GetIncludes(sourcePath string) ([]IncludeRecord, error)
	GetIncluders(targetPath string) ([]IncludeRecord, error)
	UpsertIncludes(sourcePath string, includes []IncludeRecord) error

	// Definitions
	FindProfiles(pattern string) ([]ProfileRecord, error)
	GetVariables(path string) ([]VariableRecord, error)

	// Maintenance
	Clear() error
	Close() error
}

type Transaction interface {
	UpsertFile(file *FileRecord) error
	DeleteFile(path string) error
	UpsertIncludes(sourcePath string, includes []IncludeRecord) error
	ReplaceProfiles(path string, profiles []ProfileRecord) error
	ReplaceVariables(path string, variables []VariableRecord) error
}
