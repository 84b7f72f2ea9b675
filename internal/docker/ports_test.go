package docker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/portkeeper/internal/model"
)

type fakeLister struct {
	containers []container.Summary
	err        error
	got        container.ListOptions
}

func (f *fakeLister) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	f.got = opts
	return f.containers, f.err
}

func TestListPublished(t *testing.T) {
	managed := BuildLabels(model.Allocation{
		ProjectName: "shop", ServiceType: model.ServiceDatabase, Port: 5433, Environment: model.EnvDevelopment,
	}, "")

	l := &fakeLister{containers: []container.Summary{
		{
			ID:    "0123456789abcdef",
			Names: []string{"/shop-db-1"},
			Ports: []container.Port{
				{IP: "0.0.0.0", PrivatePort: 5432, PublicPort: 5433, Type: "tcp"},
				{IP: "::", PrivatePort: 5432, PublicPort: 5433, Type: "tcp"},
			},
			Labels: managed,
		},
		{
			ID:    "fedcba9876543210",
			Names: []string{"/stray-web"},
			Ports: []container.Port{
				{IP: "0.0.0.0", PrivatePort: 80, PublicPort: 3000, Type: "tcp"},
				// Exposed only, no host binding.
				{PrivatePort: 443, Type: "tcp"},
			},
		},
	}}

	snap, err := ListPublished(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, []string{"running"}, l.got.Filters.Get("status"))

	assert.True(t, snap.InUse(5433))
	assert.True(t, snap.InUse(3000))
	assert.False(t, snap.InUse(443))
	assert.False(t, snap.InUse(5432))

	entries := snap.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, 3000, entries[0].HostPort)
	assert.Equal(t, "stray-web", entries[0].ContainerName)
	assert.Nil(t, entries[0].Owner)

	db := snap.Lookup(5433)
	require.Len(t, db, 2)
	require.NotNil(t, db[0].Owner)
	assert.Equal(t, "shop", db[0].Owner.Project)
	assert.Equal(t, "container shop-db-1 (shop/database)", db[0].Holder())

	set := snap.PortSet()
	assert.Equal(t, []int{3000, 5433}, set.Ports())
	assert.Equal(t, "container stray-web", set[3000])
}

func TestListPublished_Error(t *testing.T) {
	_, err := ListPublished(context.Background(), &fakeLister{err: errors.New("connection refused")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNilSnapshot(t *testing.T) {
	var snap *Snapshot
	assert.False(t, snap.InUse(3000))
	assert.Nil(t, snap.Entries())
	assert.Empty(t, snap.PortSet())
}

func TestHolderFallsBackToID(t *testing.T) {
	p := Published{HostPort: 9000, ContainerID: "0123456789abcdef"}
	assert.Equal(t, "container 0123456789ab", p.Holder())
}

func TestDetectUnixSocket(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "docker.sock")
	require.NoError(t, os.WriteFile(sock, nil, 0o600))

	host, err := detectUnixSocket([]string{filepath.Join(dir, "missing.sock"), sock})
	require.NoError(t, err)
	assert.Equal(t, "unix://"+sock, host)

	_, err = detectUnixSocket([]string{filepath.Join(dir, "missing.sock")})
	assert.Error(t, err)
}
