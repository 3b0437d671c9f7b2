package nfsexport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateOptionsRejectsRWAndRO(t *testing.T) {
	assert.Error(t, ValidateOptions(RW|RO))
}

func TestValidateOptionsRejectsSyncAndAsync(t *testing.T) {
	assert.Error(t, ValidateOptions(Sync|Async))
}

func TestValidateOptionsAcceptsRWAlone(t *testing.T) {
	assert.NoError(t, ValidateOptions(RW|Secure|Sync))
}

func TestValidateOptionsRejectsBothSquash(t *testing.T) {
	assert.Error(t, ValidateOptions(RootSquash|NoRootSquash))
}

func TestValidateKeyPairsRejectsUnknown(t *testing.T) {
	assert.Error(t, ValidateKeyPairs(map[string]string{"bogus": "1"}))
	assert.NoError(t, ValidateKeyPairs(map[string]string{"anonuid": "99"}))
}

func TestParseOpt(t *testing.T) {
	bits, kv := ParseOpt("rw,sync,anonuid=99")
	assert.Equal(t, RW|Sync, bits)
	assert.Equal(t, "99", kv["anonuid"])
}

func TestOptionsListRoundTrip(t *testing.T) {
	e := &Export{Host: "*", Path: "/srv/data", Bits: RW | Sync, KeyVals: map[string]string{}}
	bits, _ := ParseOpt(e.OptionsString())
	assert.Equal(t, e.Bits, bits)
}

func TestParseExportfsOutput(t *testing.T) {
	out := "/srv/data  192.168.1.0/24(rw,sync,no_subtree_check)\n"
	exports := ParseExportfsOutput(out)
	if assert.Len(t, exports, 1) {
		assert.Equal(t, "/srv/data", exports[0].Path)
		assert.Equal(t, "192.168.1.0/24", exports[0].Host)
		assert.NotZero(t, exports[0].Bits&RW)
	}
}

func TestExportFileFormatQuotesSpaces(t *testing.T) {
	e := &Export{Host: "*", Path: "/srv/my data", Bits: RW, KeyVals: map[string]string{}}
	assert.Equal(t, "\"/srv/my data\" *(rw)\n", e.ExportFileFormat())
}

func TestParseExportTokensSingleHostWildcard(t *testing.T) {
	exports := parseExportTokens([]string{"/srv/data"})
	if assert.Len(t, exports, 1) {
		assert.Equal(t, "*", exports[0].Host)
	}
}

func TestParseExportTokensGlobalOptions(t *testing.T) {
	exports := parseExportTokens([]string{"/srv/data", "-rw,sync", "host1(ro)", "host2"})
	if assert.Len(t, exports, 2) {
		assert.Equal(t, "host1", exports[0].Host)
		assert.NotZero(t, exports[0].Bits&RO)
		assert.Equal(t, "host2", exports[1].Host)
		assert.NotZero(t, exports[1].Bits&RW)
	}
}
