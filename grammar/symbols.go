package grammar

// Node kinds produced by the parser.
const (
	KindSourceFile                   = "source_file"
	KindCommentLine                  = "comment_line"
	KindComment                      = "comment"
	KindIncludeLine                  = "include_line"
	KindAbiLine                      = "abi_line"
	KindTunablesAssignmentLine       = "tunables_assignment_line"
	KindTunableVar                   = "tunable_var"
	KindTunableOp                    = "tunable_op"
	KindTunableValue                 = "tunable_value"
	KindConditionalVarAssignmentLine = "conditional_var_assignment_line"
	KindConditionalVar               = "conditional_var"
	KindConditionalValue             = "conditional_value"
	KindAliasLine                    = "alias_line"
	KindProfile                      = "profile"
	KindProfileHeader                = "profile_header"
	KindProfileHeaderBare            = "profile_header_bare"
	KindProfileHeaderHat             = "profile_header_hat"
	KindProfileHeaderHatKeyword      = "profile_header_hat_keyword"
	KindProfileName                  = "profile_name"
	KindNsProfileName                = "ns_profile_name"
	KindXattrs                       = "xattrs"
	KindXattrEntry                   = "xattr_entry"
	KindFlags                        = "flags"
	KindFlagEntry                    = "flag_entry"
	KindFlagsValue                   = "flags_value"
	KindFlagsBarePath                = "flags_bare_path"
	KindFlagsVarPath                 = "flags_var_path"
	KindIdentifierWithVars           = "identifier_with_vars"
	KindModifierBlock                = "modifier_block"
	KindRuleModifiers                = "rule_modifiers"
	KindPriorityPrefix               = "priority_prefix"
	KindExecRuleLine                 = "exec_rule_line"
	KindExecMode                     = "exec_mode"
	KindFileRuleLine                 = "file_rule_line"
	KindPermSet                      = "perm_set"
	KindFileDirectiveLine            = "file_directive_line"
	KindAliasRuleLine                = "alias_rule_line"
	KindRestOfLine                   = "rest_of_line"
	KindCapabilityRuleLine           = "capability_rule_line"
	KindNetworkRuleLine              = "network_rule_line"
	KindUsernsRuleLine               = "userns_rule_line"
	KindUmountRuleLine               = "umount_rule_line"
	KindRemountRuleLine              = "remount_rule_line"
	KindMountRuleLine                = "mount_rule_line"
	KindPivotRootRuleLine            = "pivot_root_rule_line"
	KindPtraceRuleLine               = "ptrace_rule_line"
	KindSignalRuleLine               = "signal_rule_line"
	KindSignalFragment               = "signal_fragment"
	KindSignalContFragment           = "signal_cont_fragment"
	KindDbusRuleLine                 = "dbus_rule_line"
	KindDbusFragment                 = "dbus_fragment"
	KindDbusContFragment             = "dbus_cont_fragment"
	KindUnixRuleLine                 = "unix_rule_line"
	KindUnixFragment                 = "unix_fragment"
	KindUnixContFragment             = "unix_cont_fragment"
	KindMqueueRuleLine               = "mqueue_rule_line"
	KindIoUringRuleLine              = "io_uring_rule_line"
	KindAllRuleLine                  = "all_rule_line"
	KindLinkRuleLine                 = "link_rule_line"
	KindChangeProfileRuleLine        = "change_profile_rule_line"
	KindRlimitRuleLine               = "rlimit_rule_line"
	KindRlimitName                   = "rlimit_name"
	KindRlimitValue                  = "rlimit_value"
	KindRlimitUnit                   = "rlimit_unit"
	KindConditionalRule              = "conditional_rule"
	KindCondExpr                     = "cond_expr"
	KindCondVar                      = "cond_var"
	KindCondBoolVar                  = "cond_bool_var"
	KindAnglePath                    = "angle_path"
	KindQuotedPath                   = "quoted_path"
	KindIncludePath                  = "include_path"
	KindBarePath                     = "bare_path"
	KindVarPath                      = "var_path"
	KindPathish                      = "pathish"
	KindTargetish                    = "targetish"
	KindEOL                          = "eol"
	KindNewline                      = "newline"

	KindError = "ERROR"
)

// Rule keywords that start a statement. Completion offers them at the start
// of a line.
var ruleKeywords = [...]string{
	"abi", "alias", "all", "audit", "allow", "capability", "change_profile",
	"dbus", "deny", "file", "hat", "if", "include", "io_uring", "link",
	"mount", "mqueue", "network", "owner", "other", "pivot_root", "priority",
	"profile", "prompt", "ptrace", "remount", "set", "signal", "umount",
	"unix", "userns",
}
