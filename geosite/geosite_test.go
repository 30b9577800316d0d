package geosite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/protobuf/encoding/protowire"
)

func appendDomain(typ DomainType, value string, attrs ...string) []byte {
	var d []byte
	d = protowire.AppendTag(d, 1, protowire.VarintType)
	d = protowire.AppendVarint(d, uint64(typ))
	d = protowire.AppendTag(d, 2, protowire.BytesType)
	d = protowire.AppendString(d, value)

	for _, key := range attrs {
		var a []byte
		a = protowire.AppendTag(a, 1, protowire.BytesType)
		a = protowire.AppendString(a, key)
		a = protowire.AppendTag(a, 2, protowire.VarintType)
		a = protowire.AppendVarint(a, 1)

		d = protowire.AppendTag(d, 3, protowire.BytesType)
		d = protowire.AppendBytes(d, a)
	}

	return d
}

func appendSite(code string, domains ...[]byte) []byte {
	var s []byte
	s = protowire.AppendTag(s, 1, protowire.BytesType)
	s = protowire.AppendString(s, code)

	for _, d := range domains {
		s = protowire.AppendTag(s, 2, protowire.BytesType)
		s = protowire.AppendBytes(s, d)
	}

	return s
}

func buildBlob(sites ...[]byte) []byte {
	var b []byte
	for _, s := range sites {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	return b
}

func testList(t *testing.T) *List {
	t.Helper()

	blob := buildBlob(
		appendSite("CN",
			appendDomain(RootDomain, "taobao.com"),
			appendDomain(Full, "qq.com"),
			appendDomain(Plain, "baidu"),
		),
		appendSite("google",
			appendDomain(RootDomain, "google.com", "ads"),
			appendDomain(Regex, `^mail\.`),
		),
		appendSite("broken-re",
			appendDomain(Regex, `([invalid`),
		),
	)

	list, err := Parse(blob)
	assert.NoError(t, err)

	return list
}

func Test_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geosite.dat")

	blob := buildBlob(appendSite("cn", appendDomain(Full, "qq.com")))
	assert.NoError(t, os.WriteFile(path, blob, 0600))

	list, err := Load(path)
	assert.NoError(t, err)
	assert.True(t, list.Has("cn"))
	assert.True(t, list.Has("CN"))
	assert.False(t, list.Has("us"))
	assert.Len(t, list.Codes(), 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.dat"))
	assert.Error(t, err)
}

func Test_ParseMalformed(t *testing.T) {
	_, err := Parse([]byte{0xff})
	assert.Error(t, err)

	// truncated length-delimited payload
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendVarint(b, 100)
	_, err = Parse(b)
	assert.Error(t, err)
}

func Test_ParseSkipsUnknownFields(t *testing.T) {
	var site []byte
	site = protowire.AppendTag(site, 1, protowire.BytesType)
	site = protowire.AppendString(site, "cn")
	// unknown field 9, varint
	site = protowire.AppendTag(site, 9, protowire.VarintType)
	site = protowire.AppendVarint(site, 42)
	site = protowire.AppendTag(site, 2, protowire.BytesType)
	site = protowire.AppendBytes(site, appendDomain(Full, "qq.com"))

	list, err := Parse(buildBlob(site))
	assert.NoError(t, err)
	assert.True(t, list.Contains("qq.com", []string{"cn"}))
}

func Test_Contains(t *testing.T) {
	list := testList(t)

	// Full: equality only
	assert.True(t, list.Contains("qq.com", []string{"cn"}))
	assert.True(t, list.Contains("QQ.com.", []string{"cn"}))
	assert.False(t, list.Contains("www.qq.com", []string{"cn"}))

	// RootDomain: label boundary suffix
	assert.True(t, list.Contains("taobao.com", []string{"cn"}))
	assert.True(t, list.Contains("item.taobao.com", []string{"cn"}))
	assert.False(t, list.Contains("faketaobao.com", []string{"cn"}))

	// Plain: substring
	assert.True(t, list.Contains("www.baidu.com", []string{"cn"}))
	assert.True(t, list.Contains("baidupan.net", []string{"cn"}))

	// Regex
	assert.True(t, list.Contains("mail.example.com", []string{"google"}))
	assert.False(t, list.Contains("webmail.example.com", []string{"google"}))

	// multiple categories, any hit wins
	assert.True(t, list.Contains("www.google.com", []string{"cn", "google"}))
}

func Test_ContainsMonotone(t *testing.T) {
	list := testList(t)

	assert.True(t, list.Contains("qq.com", []string{"cn"}))
	assert.True(t, list.Contains("qq.com", []string{"cn", "google"}))
	assert.True(t, list.Contains("qq.com", []string{"google", "cn", "nonexistent"}))
}

func Test_ContainsMissingCategory(t *testing.T) {
	list := testList(t)

	// missing categories never match and never raise
	assert.False(t, list.Contains("example.com", []string{"nonexistent"}))
	assert.False(t, list.Contains("example.com", []string{"nonexistent"}))
}

func Test_BrokenRegexNeverMatches(t *testing.T) {
	list := testList(t)

	assert.False(t, list.Contains("anything.example", []string{"broken-re"}))
	assert.False(t, list.Contains("([invalid", []string{"broken-re"}))
}

func Test_Attributes(t *testing.T) {
	list := testList(t)

	domains := list.categories["google"]
	assert.Len(t, domains, 2)
	assert.Len(t, domains[0].Attrs, 1)
	assert.Equal(t, "ads", domains[0].Attrs[0].Key)
	assert.True(t, domains[0].Attrs[0].BoolValue)
}
