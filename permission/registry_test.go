package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuswallet/walletd/storage/memory"
)

func TestIdentifier(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want string
	}{
		{"https origin", "https://dapp.example.com/page?x=1", "https://dapp.example.com"},
		{"port preserved", "http://localhost:3000/index.html", "http://localhost:3000"},
		{"file keeps full url", "file:///home/u/a.html", "file:///home/u/a.html"},
		{"sibling file distinct", "file:///home/u/b.html", "file:///home/u/b.html"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Identifier(tc.url)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := Identifier("not a url at all\x7f://")
	assert.Error(t, err)
	_, err = Identifier("relative/path")
	assert.Error(t, err)
}

func TestApproveAndCheck(t *testing.T) {
	r := New(memory.New())
	const id = "https://dapp.example.com"

	err := r.Check(id)
	assert.ErrorIs(t, err, ErrNotApproved)

	require.NoError(t, r.Approve(id))
	assert.True(t, r.IsApproved(id))
	assert.NoError(t, r.Check(id))
}

func TestCheckRefreshesActivity(t *testing.T) {
	current := time.Unix(1000, 0)
	r := New(memory.New(), withClock(func() time.Time { return current }))
	const id = "https://dapp.example.com"

	require.NoError(t, r.Approve(id))

	current = time.Unix(2000, 0)
	require.NoError(t, r.Check(id))

	records, err := r.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, time.Unix(2000, 0), records[0].LastActivity)
}

func TestBlockedCheckFails(t *testing.T) {
	r := New(memory.New())
	const id = "https://evil.example.com"

	require.NoError(t, r.Block(id))
	assert.ErrorIs(t, r.Check(id), ErrBlocked)
}

func TestNeverBothApprovedAndBlocked(t *testing.T) {
	r := New(memory.New())
	const id = "https://dapp.example.com"

	require.NoError(t, r.Approve(id))
	require.NoError(t, r.Block(id))
	assert.False(t, r.IsApproved(id))
	assert.True(t, r.IsBlocked(id))

	// Approve on a blocked identifier clears the block.
	require.NoError(t, r.Approve(id))
	assert.True(t, r.IsApproved(id))
	assert.False(t, r.IsBlocked(id))
}

func TestRevokeAndUnblock(t *testing.T) {
	r := New(memory.New())
	const id = "https://dapp.example.com"

	require.NoError(t, r.Approve(id))
	require.NoError(t, r.Revoke(id))
	assert.False(t, r.IsApproved(id))
	assert.ErrorIs(t, r.Check(id), ErrNotApproved)

	require.NoError(t, r.Block(id))
	// Revoke only removes approvals; the block must survive.
	require.NoError(t, r.Revoke(id))
	assert.True(t, r.IsBlocked(id))

	require.NoError(t, r.Unblock(id))
	assert.False(t, r.IsBlocked(id))
	assert.ErrorIs(t, r.Check(id), ErrNotApproved)
}

func TestUnblockLeavesApprovalUntouched(t *testing.T) {
	r := New(memory.New())
	const id = "https://dapp.example.com"
	require.NoError(t, r.Approve(id))
	require.NoError(t, r.Unblock(id))
	assert.True(t, r.IsApproved(id))
}

func TestListSurvivesRestart(t *testing.T) {
	blobs := memory.New()
	r1 := New(blobs)
	require.NoError(t, r1.Approve("https://a.example"))
	require.NoError(t, r1.Block("https://b.example"))

	r2 := New(blobs)
	records, err := r2.List()
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.True(t, r2.IsApproved("https://a.example"))
	assert.True(t, r2.IsBlocked("https://b.example"))
}
