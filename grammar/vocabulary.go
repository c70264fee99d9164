package grammar

import (
	"sort"
	"strconv"
	"strings"
)

// Vocabulary of the kernel AppArmor 3.0 feature ABI.

var capabilities = newSet(
	"chown", "dac_override", "dac_read_search", "fowner", "fsetid", "kill",
	"setgid", "setuid", "setpcap", "linux_immutable", "net_bind_service",
	"net_broadcast", "net_admin", "net_raw", "ipc_lock", "ipc_owner",
	"sys_module", "sys_rawio", "sys_chroot", "sys_ptrace", "sys_pacct",
	"sys_admin", "sys_boot", "sys_nice", "sys_resource", "sys_time",
	"sys_tty_config", "mknod", "lease", "audit_write", "audit_control",
	"setfcap", "mac_override", "mac_admin", "syslog", "wake_alarm",
	"block_suspend", "audit_read", "perfmon", "bpf", "checkpoint_restore",
)

var signals = newSet(
	"hup", "int", "quit", "ill", "trap", "abrt", "bus", "fpe", "kill", "usr1",
	"segv", "usr2", "pipe", "alrm", "term", "stkflt", "chld", "cont", "stop",
	"stp", "ttin", "ttou", "urg", "xcpu", "xfsz", "vtalrm", "prof", "winch",
	"io", "pwr", "sys", "emt", "exists",
)

// UnitClass is the kind of quantity an rlimit value measures.
type UnitClass int

const (
	UnitNone UnitClass = iota
	UnitSize
	UnitTime
)

var rlimits = map[string]UnitClass{
	"cpu":        UnitTime,
	"fsize":      UnitSize,
	"data":       UnitSize,
	"stack":      UnitSize,
	"core":       UnitSize,
	"rss":        UnitSize,
	"nproc":      UnitNone,
	"nofile":     UnitNone,
	"memlock":    UnitSize,
	"as":         UnitSize,
	"locks":      UnitNone,
	"sigpending": UnitNone,
	"msgqueue":   UnitSize,
	"nice":       UnitNone,
	"rtprio":     UnitNone,
	"rttime":     UnitTime,
}

var sizeUnits = newSet("K", "KB", "M", "MB", "G", "GB")

var timeUnits = newSet(
	"us", "microsecond", "microseconds", "ms", "millisecond", "milliseconds",
	"s", "sec", "second", "seconds", "min", "minute", "minutes",
	"h", "hour", "hours", "d", "day", "days", "week", "weeks",
)

var networkDomains = newSet(
	"unspec", "unix", "inet", "ax25", "ipx", "appletalk", "netrom", "bridge",
	"atmpvc", "x25", "inet6", "rose", "netbeui", "security", "key", "netlink",
	"packet", "ash", "econet", "atmsvc", "rds", "sna", "irda", "pppox",
	"wanpipe", "llc", "ib", "mpls", "can", "tipc", "bluetooth", "iucv",
	"rxrpc", "isdn", "phonet", "ieee802154", "caif", "alg", "nfc", "vsock",
	"kcm", "qipcrtr", "smc", "xdp", "mctp",
)

var networkTypes = newSet("stream", "dgram", "seqpacket", "rdm", "raw", "packet")

var networkProtocols = newSet("tcp", "udp", "icmp")

var profileFlags = newSet(
	"complain", "enforce", "kill", "unconfined", "prompt", "audit",
	"mediate_deleted", "delegate_deleted", "attach_disconnected",
	"no_attach_disconnected", "chroot_relative", "namespace_relative",
	"chroot_attach", "chroot_no_attach", "debug", "interruptible",
	"default_allow", "error",
)

var filePerms = map[byte]string{
	'r': "read",
	'w': "write",
	'a': "append",
	'l': "link",
	'k': "lock",
	'm': "memory map as executable",
	'x': "execute (deny rules only)",
	'i': "inherit the current profile on exec",
	'p': "discrete profile on exec, scrubbed environment",
	'P': "discrete profile on exec, scrubbed environment",
	'c': "child profile on exec",
	'C': "child profile on exec, scrubbed environment",
	'u': "unconfined on exec",
	'U': "unconfined on exec, scrubbed environment",
}

var execModes = map[string]string{
	"ix":  "inherit: the program runs under the current profile",
	"px":  "discrete profile: the program must have its own profile, environment scrubbed",
	"Px":  "discrete profile: the program must have its own profile, environment scrubbed",
	"cx":  "child profile: transition to a child profile of the current profile",
	"Cx":  "child profile: transition to a child profile, environment scrubbed",
	"ux":  "unconfined: the program runs without confinement",
	"Ux":  "unconfined: the program runs without confinement, environment scrubbed",
	"pix": "discrete profile, falling back to inherit",
	"Pix": "discrete profile with scrubbed environment, falling back to inherit",
	"cix": "child profile, falling back to inherit",
	"Cix": "child profile with scrubbed environment, falling back to inherit",
	"pux": "discrete profile, falling back to unconfined",
	"PUx": "discrete profile with scrubbed environment, falling back to unconfined",
	"cux": "child profile, falling back to unconfined",
	"CUx": "child profile with scrubbed environment, falling back to unconfined",
}

type set map[string]struct{}

func newSet(items ...string) set {
	s := make(set, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func (s set) has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func IsCapability(name string) bool { return capabilities.has(name) }

func Capabilities() []string { return capabilities.sorted() }

// IsSignal accepts signal names and real-time signals written as rtmin+N.
func IsSignal(name string) bool {
	if signals.has(name) {
		return true
	}
	if n, ok := strings.CutPrefix(name, "rtmin+"); ok {
		v, err := strconv.Atoi(n)
		return err == nil && v >= 0 && v <= 32
	}
	return false
}

func Signals() []string { return signals.sorted() }

func IsRlimit(name string) bool {
	_, ok := rlimits[name]
	return ok
}

func RlimitUnitClass(name string) UnitClass { return rlimits[name] }

func Rlimits() []string {
	out := make([]string, 0, len(rlimits))
	for k := range rlimits {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ValidRlimitUnit reports whether unit may follow a value of the given rlimit.
func ValidRlimitUnit(limit, unit string) bool {
	switch RlimitUnitClass(limit) {
	case UnitSize:
		return sizeUnits.has(unit)
	case UnitTime:
		return timeUnits.has(unit)
	default:
		return false
	}
}

func IsNetworkDomain(name string) bool { return networkDomains.has(name) }

func IsNetworkType(name string) bool { return networkTypes.has(name) }

func IsNetworkProtocol(name string) bool { return networkProtocols.has(name) }

func NetworkDomains() []string { return networkDomains.sorted() }

func IsProfileFlag(name string) bool { return profileFlags.has(name) }

func ProfileFlags() []string { return profileFlags.sorted() }

// IsExecMode reports whether word is a complete exec transition mode,
// optionally prefixed by r (e.g. "ix", "Px", "rCix").
func IsExecMode(word string) bool {
	w := strings.TrimPrefix(word, "r")
	switch len(w) {
	case 2:
		return w[1] == 'x' && strings.IndexByte("ipPcCuU", w[0]) >= 0
	case 3:
		return w[2] == 'x' && strings.IndexByte("pPcC", w[0]) >= 0 && strings.IndexByte("iIuU", w[1]) >= 0
	}
	return false
}

// IsPermChar reports whether c may appear in a file permission set.
func IsPermChar(c byte) bool {
	return strings.IndexByte("rwalkixmRWALKIXMpPcCuU", c) >= 0
}

// DescribeExecMode explains an exec mode, ignoring a leading r.
func DescribeExecMode(mode string) (string, bool) {
	m := strings.TrimPrefix(mode, "r")
	if d, ok := execModes[m]; ok {
		return d, true
	}
	// Fallback modes are case-insensitive in their second letter.
	if len(m) == 3 {
		for k, d := range execModes {
			if len(k) == 3 && k[0] == m[0] && strings.EqualFold(k[1:], m[1:]) {
				return d, true
			}
		}
	}
	return "", false
}

// DescribePerm explains a single permission letter.
func DescribePerm(c byte) (string, bool) {
	d, ok := filePerms[c]
	if !ok && c >= 'A' && c <= 'Z' {
		d, ok = filePerms[c+'a'-'A']
	}
	return d, ok
}
