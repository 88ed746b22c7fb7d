package preferences

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataplayground/storage-engine/store/metadb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestGetReturnsDefaults(t *testing.T) {
	s := newTestStore(t)

	prefs, err := s.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, Defaults(), *prefs)
	require.Equal(t, ThemeSystem, prefs.Theme)
	require.Equal(t, uint32(14), prefs.Editor.FontSize)
	require.Equal(t, uint32(10000), prefs.Query.MaxRows)
}

func TestUpdateReplacesWholesale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prefs := Defaults()
	prefs.Theme = ThemeDark
	prefs.Editor.FontSize = 16
	prefs.Nostr.Npub = "npub1example"
	prefs.Nostr.Relays = []string{"wss://relay.example.com"}
	prefs.Nostr.EncryptedNsec = &EncryptedKey{Ciphertext: "Y2lwaGVy", Salt: "c2FsdA==", Algorithm: "nip49"}
	require.NoError(t, s.Update(ctx, &prefs))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, prefs, *got)

	replacement := Defaults()
	replacement.Query.AutoRun = true
	require.NoError(t, s.Update(ctx, &replacement))

	got, err = s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, replacement, *got)
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prefs := Defaults()
	prefs.Theme = ThemeLight
	require.NoError(t, s.Update(ctx, &prefs))
	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, Defaults(), *got)
}

func TestMissingFieldsDecodeToDefaults(t *testing.T) {
	var prefs Preferences
	require.NoError(t, json.Unmarshal([]byte(`{"theme":"Dark","editor":{"font_size":18}}`), &prefs))

	require.Equal(t, ThemeDark, prefs.Theme)
	require.Equal(t, uint32(18), prefs.Editor.FontSize)
	require.Equal(t, uint32(2), prefs.Editor.TabSize)
	require.True(t, prefs.Editor.LineNumbers)
	require.True(t, prefs.Editor.Autocomplete)
	require.Equal(t, uint32(30), prefs.Query.TimeoutSeconds)
	require.NotNil(t, prefs.Nostr.Relays)
}

func TestUnknownThemeRejected(t *testing.T) {
	var prefs Preferences
	require.Error(t, json.Unmarshal([]byte(`{"theme":"Sepia"}`), &prefs))
}

func TestPreferencesJSON(t *testing.T) {
	data, err := json.Marshal(Defaults())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"theme": "System",
		"nostr": {"relays": [], "auto_publish": false},
		"editor": {"font_size": 14, "tab_size": 2, "line_numbers": true, "word_wrap": false, "autocomplete": true},
		"query": {"max_rows": 10000, "timeout_seconds": 30, "auto_run": false}
	}`, string(data))
}

func TestUsedBytes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	used, err := s.UsedBytes(ctx)
	require.NoError(t, err)
	require.Zero(t, used)

	prefs := Defaults()
	require.NoError(t, s.Update(ctx, &prefs))

	used, err = s.UsedBytes(ctx)
	require.NoError(t, err)
	require.Positive(t, used)
}
