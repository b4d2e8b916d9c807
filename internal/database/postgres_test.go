package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{
			in:       "SELECT owner FROM accounts WHERE address = ?",
			expected: "SELECT owner FROM accounts WHERE address = $1",
		},
		{
			in:       "UPDATE offers SET status = 'closed?' WHERE maker = ? AND offer_id = ?",
			expected: "UPDATE offers SET status = 'closed?' WHERE maker = $1 AND offer_id = $2",
		},
		{
			in:       "SELECT 'it''s ?', ? FROM t",
			expected: "SELECT 'it''s ?', $1 FROM t",
		},
		{
			in:       "SELECT 1",
			expected: "SELECT 1",
		},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, Rebind(tc.in))
	}
}
