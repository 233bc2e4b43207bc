package auth

import (
	"http-engine/application/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChallengeList(t *testing.T) {
	testcases := []struct {
		desc     string
		input    string
		expected []Challenge
	}{
		{
			desc:  "basic",
			input: `Basic realm="Access to staging"`,
			expected: []Challenge{{
				Scheme: "basic",
				Params: map[string]string{"realm": "Access to staging"},
				Realm:  "Access to staging",
				Raw:    `Basic realm="Access to staging"`,
			}},
		},
		{
			desc:  "token value and case",
			input: `BASIC Realm=simple`,
			expected: []Challenge{{
				Scheme: "basic",
				Params: map[string]string{"realm": "simple"},
				Realm:  "simple",
				Raw:    `BASIC Realm=simple`,
			}},
		},
		{
			desc:  "several challenges in one value",
			input: `Newauth realm="apps", type=1, title="Login to \"apps\"", Basic realm="simple"`,
			expected: []Challenge{
				{
					Scheme: "newauth",
					Params: map[string]string{"realm": "apps", "type": "1", "title": `Login to "apps"`},
					Realm:  "apps",
					Raw:    `Newauth realm="apps", type=1, title="Login to \"apps\""`,
				},
				{
					Scheme: "basic",
					Params: map[string]string{"realm": "simple"},
					Realm:  "simple",
					Raw:    `Basic realm="simple"`,
				},
			},
		},
		{
			desc:  "token68 and bare scheme",
			input: `Negotiate abc+/==, NTLM`,
			expected: []Challenge{
				{Scheme: "negotiate", Params: map[string]string{}, Token68: "abc+/==", Raw: "Negotiate abc+/=="},
				{Scheme: "ntlm", Params: map[string]string{}, Raw: "NTLM"},
			},
		},
		{desc: "empty", input: "  ,  ", expected: nil},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.expected, parseChallengeList(tc.input))
		})
	}
}

func TestParseChallenges(t *testing.T) {
	h := http.NewHeaders(
		http.Field{Name: "WWW-Authenticate", Value: `Basic realm="a"`},
		http.Field{Name: "www-authenticate", Value: `Digest realm="b", nonce="n"`},
		http.Field{Name: "Proxy-Authenticate", Value: `Basic realm="proxy"`},
	)

	server := ParseChallenges(h, TargetServer)
	require.Len(t, server, 2)
	assert.Equal(t, "basic", server[0].Scheme)
	assert.Equal(t, "digest", server[1].Scheme)
	assert.Equal(t, "b", server[1].Realm)
	nonce, ok := server[1].Param("NONCE")
	assert.True(t, ok)
	assert.Equal(t, "n", nonce)

	proxy := ParseChallenges(h, TargetProxy)
	require.Len(t, proxy, 1)
	assert.Equal(t, "proxy", proxy[0].Realm)
	assert.Equal(t, TargetProxy, proxy[0].Target)
}
