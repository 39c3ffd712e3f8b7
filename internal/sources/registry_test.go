package sources

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JeremiahM37/librarr/internal/librarr"
)

type fakeSource struct {
	name     string
	tab      string
	enabled  bool
	download bool
}

func (s *fakeSource) Name() string  { return s.name }
func (s *fakeSource) Label() string { return s.name }
func (s *fakeSource) Enabled() bool { return s.enabled }
func (s *fakeSource) Tab() string   { return s.tab }
func (s *fakeSource) Search(context.Context, string) ([]librarr.Result, error) {
	return nil, nil
}

type fakeDownloadSource struct{ fakeSource }

func (s *fakeDownloadSource) Download(context.Context, json.RawMessage, librarr.JobProgress) error {
	return nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(&fakeSource{name: "prowlarr", tab: "main", enabled: true}))

	src, ok := r.Get("prowlarr")
	require.True(t, ok)
	require.Equal(t, "prowlarr", src.Name())

	_, ok = r.Get("ghost")
	require.False(t, ok)
}

func TestRegistryRejectsDuplicatesAndUnnamed(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(&fakeSource{name: "prowlarr"}))
	require.Error(t, r.Register(&fakeSource{name: "prowlarr"}))
	require.Error(t, r.Register(&fakeSource{}))
}

func TestRegistryEnabledFiltersByTabAndFlag(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(&fakeSource{name: "prowlarr", tab: "main", enabled: true}))
	require.NoError(t, r.Register(&fakeSource{name: "abb", tab: "audiobook", enabled: true}))
	require.NoError(t, r.Register(&fakeSource{name: "disabled", tab: "main"}))

	main := r.Enabled("main")
	require.Len(t, main, 1)
	require.Equal(t, "prowlarr", main[0].Name())

	require.Len(t, r.Enabled("audiobook"), 1)
	require.Empty(t, r.Enabled("other"))
}

func TestRegistryMetadata(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	dl := &fakeDownloadSource{}
	dl.name, dl.tab, dl.enabled = "annas", "main", true
	require.NoError(t, r.Register(dl))
	require.NoError(t, r.Register(&fakeSource{name: "prowlarr", tab: "main", enabled: true}))

	meta := r.Metadata()
	require.Len(t, meta, 2)
	require.Equal(t, "annas", meta[0].Name)
	require.True(t, meta[0].Downloadable)
	require.False(t, meta[1].Downloadable)
}
