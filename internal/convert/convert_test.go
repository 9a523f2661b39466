package convert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/datagetter/internal/dataset"
)

type recordingUnflattener struct {
	req       UnflattenRequest
	stagedCSV []byte
	writeFile bool
	err       error
}

func (r *recordingUnflattener) Unflatten(_ context.Context, req UnflattenRequest) error {
	r.req = req
	if req.Format == dataset.FileTypeCSV {
		r.stagedCSV, _ = os.ReadFile(filepath.Join(req.Input, "grants.csv"))
	}
	if r.err != nil {
		return r.err
	}
	if r.writeFile {
		return os.WriteFile(req.Output, []byte(`{"grants":[]}`), 0o600)
	}
	return nil
}

func TestDetectEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"ascii", []byte("Identifier,Title\n1,Grant"), EncodingUTF8Sig},
		{"utf8 with bom", append([]byte{0xEF, 0xBB, 0xBF}, []byte("Identifier,Title\n1,Café")...), EncodingUTF8Sig},
		{"cp1252 pound and quotes", []byte("Amount\n\xa3100 \x93quoted\x94"), EncodingCP1252},
		{"undefined cp1252 byte", []byte("Title\nbad \x81 byte"), EncodingLatin1},
		{"undefined cp1252 byte 0x9d", []byte("Title\n\x9d"), EncodingLatin1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, DetectEncoding(tc.data))
		})
	}
}

func TestConvertSpreadsheetPassesThrough(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	u := &recordingUnflattener{writeFile: true}
	a := New(u, zap.NewNop())

	req := Request{
		InputPath:         filepath.Join(dir, "a.xlsx"),
		OutputPath:        filepath.Join(dir, "a.json"),
		Kind:              dataset.FileTypeXLSX,
		SchemaPath:        "schema.json",
		PackageSchemaPath: "package-schema.json",
	}
	require.NoError(t, a.Convert(context.Background(), req))
	assert.Equal(t, req.InputPath, u.req.Input)
	assert.Equal(t, EncodingUTF8Sig, u.req.Encoding)
	assert.Equal(t, "package-schema.json", u.req.PackageSchema)
}

func TestConvertStagesCSV(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := filepath.Join(dir, "a.csv")
	content := []byte("Amount\n\xa3100")
	require.NoError(t, os.WriteFile(input, content, 0o600))

	u := &recordingUnflattener{writeFile: true}
	a := New(u, zap.NewNop(), WithTempDir(dir))
	require.NoError(t, a.Convert(context.Background(), Request{
		InputPath:  input,
		OutputPath: filepath.Join(dir, "a.json"),
		Kind:       dataset.FileTypeCSV,
	}))

	assert.Equal(t, EncodingCP1252, u.req.Encoding)
	assert.Equal(t, content, u.stagedCSV)
	_, err := os.Stat(u.req.Input)
	assert.True(t, os.IsNotExist(err), "staging dir is removed after conversion")
}

func TestConvertFailuresWrapConversionFailed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := Request{
		InputPath:  filepath.Join(dir, "a.ods"),
		OutputPath: filepath.Join(dir, "a.json"),
		Kind:       dataset.FileTypeODS,
	}

	a := New(&recordingUnflattener{err: errors.New("exit status 1")}, nil)
	require.ErrorIs(t, a.Convert(context.Background(), base), dataset.ErrConversionFailed)

	// The tool claimed success but wrote nothing.
	a = New(&recordingUnflattener{}, nil)
	require.ErrorIs(t, a.Convert(context.Background(), base), dataset.ErrConversionFailed)

	jsonReq := base
	jsonReq.Kind = dataset.FileTypeJSON
	require.ErrorIs(t, a.Convert(context.Background(), jsonReq), dataset.ErrConversionFailed)

	missingCSV := base
	missingCSV.Kind = dataset.FileTypeCSV
	missingCSV.InputPath = filepath.Join(dir, "missing.csv")
	require.ErrorIs(t, a.Convert(context.Background(), missingCSV), dataset.ErrConversionFailed)
}

func TestConvertCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := New(&recordingUnflattener{err: errors.New("signal: killed")}, nil)
	err := a.Convert(ctx, Request{InputPath: "in.xlsx", OutputPath: "out.json", Kind: dataset.FileTypeXLSX})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, dataset.ErrConversionFailed)
}
