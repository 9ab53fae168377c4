package urlcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRejectsPrivateAndLocalAddresses(t *testing.T) {
	policy := Policy{}
	cases := []struct {
		name string
		url  string
	}{
		{name: "rfc1918 ten", url: "https://10.0.0.5/cb"},
		{name: "rfc1918 oneninetwo", url: "https://192.168.1.20/upload"},
		{name: "rfc1918 oneseventwo", url: "https://172.16.4.4/"},
		{name: "loopback ip", url: "https://127.0.0.1/hook"},
		{name: "loopback name", url: "https://localhost/hook"},
		{name: "link local", url: "https://169.254.169.254/latest/meta-data"},
		{name: "unspecified", url: "https://0.0.0.0/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, policy.Check(tc.url))
		})
	}
}

func TestCheckAcceptsPublicHTTPS(t *testing.T) {
	policy := Policy{}
	require.NoError(t, policy.Check("https://8.8.8.8/bucket/artifact.mp3"))
}

func TestCheckSchemePolicy(t *testing.T) {
	assert.Error(t, Policy{}.Check("http://8.8.8.8/cb"), "http is rejected by default")
	assert.NoError(t, Policy{AllowHTTP: true}.Check("http://8.8.8.8/cb"))
	assert.Error(t, Policy{AllowHTTP: true}.Check("ftp://8.8.8.8/cb"))
	assert.Error(t, Policy{}.Check("not a url"))
	assert.Error(t, Policy{}.Check("https:///missing-host"))
}

func TestAllowPrivateBypassesEverything(t *testing.T) {
	policy := Policy{AllowPrivate: true}
	require.NoError(t, policy.Check("http://127.0.0.1:9000/anything"))
	require.NoError(t, policy.Check("https://10.0.0.5/cb"))
}
