package export

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmlab/vialstore/pkg/config"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

type fakePut struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePut) PutObject(
	_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}

	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)

	return &s3.PutObjectOutput{}, nil
}

func TestExport_DirAndS3(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	client := &fakePut{}

	s3Sink := newS3Sink(testLogger(), &config.S3ExportConfig{
		Enabled:            true,
		S3ConnectionConfig: config.S3ConnectionConfig{Bucket: "lab"},
		Prefix:             "/fridge/lists/",
		StorageClass:       "STANDARD_IA",
	}, client)

	e := NewExporter(testLogger(), NewDirSink(testLogger(), dir, nil), s3Sink)

	data, locations, err := e.Export(context.Background(), "rack_1.csv", func(w io.Writer) error {
		_, err := io.WriteString(w, "B001\nB002\n")

		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "B001\nB002\n", string(data))
	require.Equal(t, []string{
		filepath.Join(dir, "rack_1.csv"),
		"s3://lab/fridge/lists/rack_1.csv",
	}, locations)

	onDisk, err := os.ReadFile(filepath.Join(dir, "rack_1.csv"))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	require.Len(t, client.inputs, 1)
	assert.Equal(t, "fridge/lists/rack_1.csv", aws.ToString(client.inputs[0].Key))
	assert.Equal(t, "STANDARD_IA", string(client.inputs[0].StorageClass))
	assert.Contains(t, aws.ToString(client.inputs[0].ContentType), "text/csv")
	assert.Equal(t, data, client.bodies[0])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestExport_RenderError(t *testing.T) {
	e := NewExporter(testLogger(), NewDirSink(testLogger(), t.TempDir(), nil))

	_, _, err := e.Export(context.Background(), "x.csv", func(io.Writer) error {
		return errors.New("boom")
	})
	require.ErrorContains(t, err, "boom")
}

func TestExport_SinkError(t *testing.T) {
	sink := newS3Sink(testLogger(), &config.S3ExportConfig{
		S3ConnectionConfig: config.S3ConnectionConfig{Bucket: "lab"},
	}, &fakePut{err: errors.New("denied")})

	e := NewExporter(testLogger(), sink)

	_, _, err := e.Export(context.Background(), "x.csv", func(w io.Writer) error {
		_, err := io.WriteString(w, "x")

		return err
	})
	require.ErrorContains(t, err, "denied")
	require.ErrorContains(t, err, "s3 sink")

	require.ErrorContains(t, e.Preflight(context.Background()), "denied")
}

func TestS3Sink_Preflight(t *testing.T) {
	client := &fakePut{}
	sink := newS3Sink(testLogger(), &config.S3ExportConfig{
		S3ConnectionConfig: config.S3ConnectionConfig{Bucket: "lab"},
	}, client)

	require.NoError(t, sink.Preflight(context.Background()))
	require.Len(t, client.inputs, 1)
	assert.Equal(t, "exports/.vialstore-write-test", aws.ToString(client.inputs[0].Key))
}

func TestNew(t *testing.T) {
	e := New(testLogger(), &config.ExportConfig{})
	assert.Empty(t, e.sinks)

	e = New(testLogger(), &config.ExportConfig{
		Dir: t.TempDir(),
		S3: &config.S3ExportConfig{
			Enabled:            true,
			S3ConnectionConfig: config.S3ConnectionConfig{Bucket: "lab"},
		},
	})
	require.Len(t, e.sinks, 2)
	assert.Equal(t, "dir", e.sinks[0].Name())
	assert.Equal(t, "s3", e.sinks[1].Name())

	_, locations, err := New(testLogger(), &config.ExportConfig{}).Export(
		context.Background(), "x.csv", func(io.Writer) error { return nil },
	)
	require.NoError(t, err)
	assert.Empty(t, locations)
}

func TestFileName(t *testing.T) {
	e := NewExporter(testLogger())
	e.now = func() time.Time { return time.Date(2025, 6, 12, 14, 3, 22, 0, time.UTC) }

	assert.Equal(t, "fifo_Acetone_20250612_140322.csv", e.FileName(".csv", "fifo", "Acetone"))
	assert.Equal(t, "fifo_Ethanol-abs_20250612_140322.csv", e.FileName(".csv", "fifo", "Ethanol, abs"))
	assert.Equal(t, "rack_7_20250612_140322.csv", e.FileName(".csv", "rack", "7", "/"))
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantPrefix string
	}{
		{name: "csv file", path: "rack_1.csv", wantPrefix: "text/csv"},
		{name: "no extension", path: "Makefile", wantPrefix: "application/octet-stream"},
		{name: "txt file", path: "notes.txt", wantPrefix: "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, detectContentType(tt.path), tt.wantPrefix)
		})
	}
}

type fakePresign struct {
	calls int
}

func (f *fakePresign) PresignGetObject(
	_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions),
) (*v4.PresignedHTTPRequest, error) {
	f.calls++

	return &v4.PresignedHTTPRequest{
		URL: "https://lab.example/" + aws.ToString(in.Key) + "?sig=" + string(rune('0'+f.calls)),
	}, nil
}

func TestS3Sink_Links(t *testing.T) {
	client := &fakePut{}
	presign := &fakePresign{}

	sink := newS3Sink(testLogger(), &config.S3ExportConfig{
		Enabled:            true,
		S3ConnectionConfig: config.S3ConnectionConfig{Bucket: "lab"},
	}, client)

	now := time.Date(2025, 6, 12, 14, 0, 0, 0, time.UTC)
	sink.presign = newPresigner(presign, "lab", time.Hour)
	sink.presign.now = func() time.Time { return now }

	dir := t.TempDir()
	e := NewExporter(testLogger(), NewDirSink(testLogger(), dir, nil), sink)

	_, locations, err := e.Export(context.Background(), "rack_1.csv", func(w io.Writer) error {
		_, err := io.WriteString(w, "B001\n")

		return err
	})
	require.NoError(t, err)
	require.Len(t, locations, 2)

	links := e.Links(context.Background(), locations)
	assert.Equal(t, map[string]string{
		"s3://lab/exports/rack_1.csv": "https://lab.example/exports/rack_1.csv?sig=1",
	}, links)

	// Cached until half the expiry has passed.
	links = e.Links(context.Background(), locations)
	assert.Equal(t, "https://lab.example/exports/rack_1.csv?sig=1", links["s3://lab/exports/rack_1.csv"])
	assert.Equal(t, 1, presign.calls)

	now = now.Add(31 * time.Minute)

	links = e.Links(context.Background(), locations)
	assert.Equal(t, "https://lab.example/exports/rack_1.csv?sig=2", links["s3://lab/exports/rack_1.csv"])

	_, err = sink.Link(context.Background(), "s3://other/exports/rack_1.csv")
	require.Error(t, err)
}

func TestS3Sink_LinkWithoutPresign(t *testing.T) {
	sink := newS3Sink(testLogger(), &config.S3ExportConfig{
		S3ConnectionConfig: config.S3ConnectionConfig{Bucket: "lab"},
	}, &fakePut{})

	url, err := sink.Link(context.Background(), "s3://lab/exports/x.csv")
	require.NoError(t, err)
	assert.Empty(t, url)
}
