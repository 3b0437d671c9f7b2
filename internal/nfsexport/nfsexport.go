// Package nfsexport manages NFS exports via exportfs(8), mirroring whatever
// is currently live in the kernel's export table and persisting targetd's
// own exports into /etc/exports.d/targetd.exports so they survive a reboot
// without duplicating anything the admin already listed in /etc/exports.
package nfsexport

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/open-iscsi/targetd/internal/rpcerr"
	"github.com/open-iscsi/targetd/internal/toolexec"
)

// Option bits, matching the wire protocol's option bitmask exactly (part of
// the external contract, must never be renumbered).
const (
	Secure         = 0x00000001
	RW             = 0x00000002
	RO             = 0x00000004
	Sync           = 0x00000008
	Async          = 0x00000010
	NoWdelay       = 0x00000020
	Nohide         = 0x00000040
	CrossMnt       = 0x00000080
	NoSubtreeCheck = 0x00000100
	InsecureLocks  = 0x00000200
	RootSquash     = 0x00000400
	NoRootSquash   = 0x00000800
	AllSquash      = 0x00001000
	Wdelay         = 0x00002000
	Hide           = 0x00004000
	Insecure       = 0x00008000
)

// boolOptionNames maps the wire protocol's option names to their bit, in the
// canonical order options_list() emits them.
var boolOptionNames = []struct {
	Name string
	Bit  int
}{
	{"secure", Secure}, {"rw", RW}, {"ro", RO}, {"sync", Sync},
	{"async", Async}, {"no_wdelay", NoWdelay}, {"nohide", Nohide},
	{"cross_mnt", CrossMnt}, {"no_subtree_check", NoSubtreeCheck},
	{"insecure_locks", InsecureLocks}, {"root_squash", RootSquash},
	{"all_squash", AllSquash}, {"wdelay", Wdelay}, {"hide", Hide},
	{"insecure", Insecure}, {"no_root_squash", NoRootSquash},
}

var boolOptionByName = func() map[string]int {
	m := make(map[string]int, len(boolOptionNames))
	for _, o := range boolOptionNames {
		m[o.Name] = o.Bit
	}
	return m
}()

// validKeyPairs is the set of key=value export options exportfs recognizes
// beyond the bitmask booleans.
var validKeyPairs = map[string]bool{
	"mountpoint": true, "mp": true, "fsid": true, "refer": true,
	"replicas": true, "anonuid": true, "anongid": true,
}

// ValidateOptions enforces the mutual-exclusion pairs the wire protocol
// promises: at most one of each {rw,ro}, {secure,insecure}, {sync,async},
// {hide,nohide}, {wdelay,no_wdelay}, and at most one of
// {root_squash,no_root_squash}.
func ValidateOptions(bits int) error {
	pairBad := func(a, b int) bool { return bits&a != 0 && bits&b != 0 }
	switch {
	case pairBad(RW, RO):
		return rpcerr.New(rpcerr.InvalidArgument, "both ro & rw set")
	case pairBad(Insecure, Secure):
		return rpcerr.New(rpcerr.InvalidArgument, "both insecure & secure set")
	case pairBad(Sync, Async):
		return rpcerr.New(rpcerr.InvalidArgument, "both sync & async set")
	case pairBad(Hide, Nohide):
		return rpcerr.New(rpcerr.InvalidArgument, "both hide & nohide set")
	case pairBad(Wdelay, NoWdelay):
		return rpcerr.New(rpcerr.InvalidArgument, "both wdelay & no_wdelay set")
	}
	if bits&(RootSquash|NoRootSquash) == (RootSquash | NoRootSquash) {
		return rpcerr.New(rpcerr.InvalidArgument,
			"only one option of root_squash, no_root_squash can be specified")
	}
	return nil
}

// ValidateKeyPairs rejects any key=value option exportfs wouldn't
// recognize.
func ValidateKeyPairs(kv map[string]string) error {
	for k := range kv {
		if !validKeyPairs[k] {
			return rpcerr.New(rpcerr.InvalidArgument, "option %s not valid", k)
		}
	}
	return nil
}

// Export is one NFS export entry: a client host pattern, a server path, and
// its export options.
type Export struct {
	Host    string
	Path    string
	Bits    int
	KeyVals map[string]string
}

// ParseOpt parses a comma-separated "rw,ro,anonuid=99" style options string
// into its bit mask and key/value parts.
func ParseOpt(optionsString string) (int, map[string]string) {
	bits := 0
	pairs := map[string]string{}
	if optionsString == "" {
		return bits, pairs
	}
	for _, o := range strings.Split(optionsString, ",") {
		if i := strings.IndexByte(o, '='); i >= 0 {
			pairs[o[:i]] = o[i+1:]
		} else if bit, ok := boolOptionByName[o]; ok {
			bits |= bit
		}
	}
	return bits, pairs
}

// OptionsList renders an export's options back into the canonical list of
// option-name/key=value tokens, bool options first in declaration order.
func (e *Export) OptionsList() []string {
	var out []string
	for _, o := range boolOptionNames {
		if e.Bits&o.Bit != 0 {
			out = append(out, o.Name)
		}
	}
	for k, v := range e.KeyVals {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// OptionsString renders OptionsList as a comma-joined string.
func (e *Export) OptionsString() string {
	return strings.Join(e.OptionsList(), ",")
}

func doubleQuoteSpace(s string) string {
	if strings.Contains(s, " ") {
		return `"` + s + `"`
	}
	return s
}

// ExportFileFormat renders the export the way it must appear in an
// /etc/exports-style file: "path host(options)\n".
func (e *Export) ExportFileFormat() string {
	return fmt.Sprintf("%s %s(%s)\n", doubleQuoteSpace(e.Path), e.Host, e.OptionsString())
}

// octalNumsRegex matches the backslash-octal escapes exportfs -v emits for
// unusual path bytes (e.g. a space becomes "\040").
var octalNumsRegex = regexp.MustCompile(`\\([0-7][0-7][0-7])`)

// chrDecode reverses exportfs's octal-escape encoding of special
// characters in a path.
func chrDecode(s string) string {
	return octalNumsRegex.ReplaceAllStringFunc(s, func(m string) string {
		n, err := strconv.ParseInt(m[1:], 8, 32)
		if err != nil {
			return m
		}
		return string(rune(n))
	})
}

// exportRegex matches one "path host(options)" entry in exportfs -v output.
var exportRegex = regexp.MustCompile(`([/a-zA-Z0-9.\-_]+)\s+(.+)\(([^)]+)\)`)

// ParseExportfsOutput parses the -v output of exportfs into Export values.
func ParseExportfsOutput(text string) []*Export {
	var out []*Export
	for _, m := range exportRegex.FindAllStringSubmatch(text, -1) {
		bits, kv := ParseOpt(m[3])
		host := m[2]
		if host == "<world>" {
			host = "*"
		}
		out = append(out, &Export{Host: host, Path: m[1], Bits: bits, KeyVals: kv})
	}
	return out
}

// ParseExportsFile parses an /etc/exports-style file into Export values,
// using shellword lexing (shlex.split with comment char '#' in the
// reference implementation) so quoted paths with embedded whitespace parse
// correctly.
func ParseExportsFile(path string) ([]*Export, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Export
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		tokens, err := shellquote.Split(chrDecode(line))
		if err != nil || len(tokens) == 0 {
			continue
		}
		out = append(out, parseExportTokens(tokens)...)
	}
	return out, nil
}

// parseExportTokens parses one logical /etc/exports line's shell-lexed
// tokens: "path [-global,options] host1(opts1) host2(opts2) ...".
func parseExportTokens(tokens []string) []*Export {
	if len(tokens) == 0 {
		return nil
	}
	path := tokens[0]
	if len(tokens) == 1 {
		return []*Export{{Host: "*", Path: path, KeyVals: map[string]string{}}}
	}

	var globalOptions string
	var out []*Export
	for _, t := range tokens[1:] {
		if strings.HasPrefix(t, "-") && globalOptions == "" {
			globalOptions = t[1:]
			continue
		}
		var host, opts string
		if i := strings.IndexByte(t, '('); i >= 0 && strings.HasSuffix(t, ")") {
			if i == 0 {
				host = "*"
				opts = t[1 : len(t)-1]
			} else {
				host = t[:i]
				opts = t[i+1 : len(t)-1]
			}
		} else {
			host = t
		}

		joined := opts
		if globalOptions != "" {
			if joined != "" {
				joined = globalOptions + "," + joined
			} else {
				joined = globalOptions
			}
		}
		bits, kv := ParseOpt(joined)
		out = append(out, &Export{Host: host, Path: path, Bits: bits, KeyVals: kv})
	}
	return out
}

// Manager drives exportfs(8) and owns the managed export file.
type Manager struct {
	Cmd              string
	ExportFile       string
	ExportFSConfigDir string
	MainExportFile   string
}

// NewManager returns a Manager with the standard exportfs paths.
func NewManager() *Manager {
	return &Manager{
		Cmd:               "exportfs",
		ExportFile:        "targetd.exports",
		ExportFSConfigDir: "/etc/exports.d",
		MainExportFile:    "/etc/exports",
	}
}

// SecurityOptions lists the NFS security flavors targetd advertises.
func (m *Manager) SecurityOptions() []string {
	return []string{"sys", "krb5", "krb5i", "krb5p"}
}

// Exports returns every export currently live in the kernel's table, via
// `exportfs -v`.
func (m *Manager) Exports() ([]*Export, error) {
	res, err := toolexec.Invoke(true, m.Cmd, "-v")
	if err != nil {
		return nil, err
	}
	return ParseExportfsOutput(res.Stdout), nil
}

func containsExport(exports []*Export, host, path string) bool {
	for _, e := range exports {
		if e.Host == host && e.Path == path {
			return true
		}
	}
	return false
}

// ExportAdd adds a new NFS export for host:path with the given options.
func (m *Manager) ExportAdd(host, path string, bits int, keyVals map[string]string) error {
	if err := ValidateOptions(bits); err != nil {
		return err
	}
	if err := ValidateKeyPairs(keyVals); err != nil {
		return err
	}
	export := &Export{Host: host, Path: path, Bits: bits, KeyVals: keyVals}
	options := export.OptionsString()

	argv := []string{m.Cmd}
	if options != "" {
		argv = append(argv, "-o", options)
	}
	argv = append(argv, fmt.Sprintf("%s:%s", host, path))

	res, err := toolexec.Invoke(false, argv...)
	if err != nil {
		return err
	}
	switch res.ExitCode {
	case 0:
		return m.saveExports()
	case 22:
		return rpcerr.New(rpcerr.InvalidArgument, "invalid option: %s", res.Stderr)
	default:
		return rpcerr.New(rpcerr.UnexpectedExitCode,
			"unexpected exit code %q %d, out=%s%s", argv, res.ExitCode, res.Stdout, res.Stderr)
	}
}

// ExportRemove removes every export matching host:path. Returns
// NotFoundNFSExport if none matched.
func (m *Manager) ExportRemove(host, path string) error {
	exports, err := m.Exports()
	if err != nil {
		return err
	}
	found := false
	for _, e := range exports {
		if e.Host == host && e.Path == path {
			if _, err := toolexec.Invoke(true, m.Cmd, "-u", fmt.Sprintf("%s:%s", e.Host, e.Path)); err != nil {
				return err
			}
			found = true
		}
	}
	if !found {
		return rpcerr.New(rpcerr.NotFoundNFSExport, "NFS export to remove not found %s:%s", host, path)
	}
	return m.saveExports()
}

// saveExports rewrites the managed config-dir exports file with every
// currently-live export that the admin did not already list in
// /etc/exports, so reboots restore targetd's exports without duplicating
// the admin's own.
func (m *Manager) saveExports() error {
	configFile := filepath.Join(m.ExportFSConfigDir, m.ExportFile)
	_ = os.Remove(configFile)

	userExports, err := ParseExportsFile(m.MainExportFile)
	if err != nil {
		return err
	}

	live, err := m.Exports()
	if err != nil {
		return err
	}

	var sb strings.Builder
	for _, e := range live {
		if !containsExport(userExports, e.Host, e.Path) {
			sb.WriteString(e.ExportFileFormat())
		}
	}
	return os.WriteFile(configFile, []byte(sb.String()), 0644)
}
