package flattentool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/datagetter/internal/convert"
	"github.com/JakeFAU/datagetter/internal/dataset"
)

func sampleRequest() convert.UnflattenRequest {
	return convert.UnflattenRequest{
		Input:         "/data/original/a.xlsx",
		Output:        "/data/json_all/a.json",
		Format:        dataset.FileTypeXLSX,
		Schema:        "/schema/360-giving-schema.json",
		PackageSchema: "/schema/360-giving-package-schema.json",
		Encoding:      convert.EncodingUTF8Sig,
	}
}

func TestArgs(t *testing.T) {
	t.Parallel()

	args := Args(sampleRequest())
	assert.Equal(t, []string{"unflatten", "/data/original/a.xlsx"}, args[:2])
	assert.Subset(t, args, []string{
		"--input-format", "xlsx",
		"--output-name", "/data/json_all/a.json",
		"--root-list-path", "grants",
		"--root-id=",
		"--convert-titles",
		"--encoding", "utf-8-sig",
		"--metatab-name", "Meta",
		"--metatab-vertical-orientation",
		"--default-configuration", "hashcomments",
		"--schema", "/schema/360-giving-schema.json",
		"--metatab-schema", "/schema/360-giving-package-schema.json",
	})
}

func TestUnflattenPassesArgsToRunner(t *testing.T) {
	t.Parallel()

	var gotName string
	var gotArgs []string
	cmd := New("/opt/flatten-tool")
	cmd.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		return nil, nil
	}

	require.NoError(t, cmd.Unflatten(context.Background(), sampleRequest()))
	assert.Equal(t, "/opt/flatten-tool", gotName)
	assert.Equal(t, Args(sampleRequest()), gotArgs)
}

func TestUnflattenIncludesToolOutputInError(t *testing.T) {
	t.Parallel()

	cmd := New("")
	cmd.run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("BadXLSXZipFile: File is not a zip file\n"), errors.New("exit status 1")
	}

	err := cmd.Unflatten(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flatten-tool")
	assert.Contains(t, err.Error(), "File is not a zip file")
}

func TestUnflattenMissingBinary(t *testing.T) {
	t.Parallel()

	cmd := New(filepath.Join(t.TempDir(), "no-such-flatten-tool"))
	require.Error(t, cmd.Unflatten(context.Background(), sampleRequest()))
}
