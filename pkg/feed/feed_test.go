package feed

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/mmlab/vialstore/pkg/config"
	"github.com/mmlab/vialstore/pkg/normalize"
)

var exportPattern = regexp.MustCompile(config.DefaultFilePattern)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func writeFile(t *testing.T, p string, data []byte) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

func TestLocalFeed_ListAndRead(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "Run_20250612_140322.xlsx"), []byte("a"))
	writeFile(t, filepath.Join(dir, "2025", "June", "Run_20250613_080000.xlsx"), []byte("bb"))
	writeFile(t, filepath.Join(dir, "notes.txt"), []byte("x"))
	writeFile(t, filepath.Join(dir, "Run_2025_06.xlsx"), []byte("x"))
	writeFile(t, filepath.Join(dir, "~$Run_20250612_140322.xlsx"), []byte("lock"))
	writeFile(t, filepath.Join(dir, ".cache", "Run_20250612_140322.xlsx"), []byte("x"))

	f := NewLocalFeed(testLogger(), &config.LocalFeedConfig{
		Enabled:        true,
		DiscoveryPaths: map[string]string{"chronect": dir},
	}, exportPattern)

	files, err := f.ListFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "chronect/2025/June/Run_20250613_080000.xlsx", files[0].ID)
	assert.Equal(t, "Run_20250613_080000.xlsx", files[0].Name)
	assert.Equal(t, int64(2), files[0].Size)
	assert.Equal(t, "chronect/Run_20250612_140322.xlsx", files[1].ID)

	data, err := f.Read(context.Background(), files[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("bb"), data)

	info, err := f.Stat(files[1].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Size)

	id, ok := f.IDForPath(filepath.Join(dir, "2025", "June", "Run_20250613_080000.xlsx"))
	require.True(t, ok)
	assert.Equal(t, files[0].ID, id)

	_, ok = f.IDForPath(filepath.Join(t.TempDir(), "Run_20250613_080000.xlsx"))
	assert.False(t, ok)
}

func TestLocalFeed_ReadRejectsBadIDs(t *testing.T) {
	dir := t.TempDir()

	f := NewLocalFeed(testLogger(), &config.LocalFeedConfig{
		Enabled:        true,
		DiscoveryPaths: map[string]string{"chronect": dir},
	}, exportPattern)

	for _, id := range []string{
		"chronect/../../etc/passwd",
		"other/Run_20250612_140322.xlsx",
		"chronect",
		"chronect/missing_20250612_140322.xlsx",
	} {
		t.Run(id, func(t *testing.T) {
			_, err := f.Read(context.Background(), id)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLocalFeed_MissingDirectoryListsNothing(t *testing.T) {
	f := NewLocalFeed(testLogger(), &config.LocalFeedConfig{
		Enabled:        true,
		DiscoveryPaths: map[string]string{"gone": filepath.Join(t.TempDir(), "gone")},
	}, exportPattern)

	files, err := f.ListFiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestNew(t *testing.T) {
	f, err := New(testLogger(), &config.FeedConfig{Pattern: config.DefaultFilePattern})
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = New(testLogger(), &config.FeedConfig{
		Pattern: config.DefaultFilePattern,
		Local:   &config.LocalFeedConfig{Enabled: true, DiscoveryPaths: map[string]string{"a": t.TempDir()}},
	})
	require.NoError(t, err)
	assert.Equal(t, "local", f.Name())

	f, err = New(testLogger(), &config.FeedConfig{
		Pattern: config.DefaultFilePattern,
		S3: &config.S3FeedConfig{
			Enabled:            true,
			S3ConnectionConfig: config.S3ConnectionConfig{Bucket: "lab"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "s3", f.Name())

	_, err = New(testLogger(), &config.FeedConfig{Pattern: "(["})
	require.Error(t, err)
}

func TestDecodeCSV(t *testing.T) {
	data := "\n\nBarcode,Substance Name,Date,Time\nB001,Acetone,2025-06-12,14:03:22\nB002,\"Ethanol, abs\",2025-06-12,14:04\n"

	table, err := Decode("layout.csv", []byte(data))
	require.NoError(t, err)

	assert.Equal(t, []string{"Barcode", "Substance Name", "Date", "Time"}, table.Headers)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "Ethanol, abs", table.Rows[1][1])
}

func TestDecodeXLSX(t *testing.T) {
	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)

	require.NoError(t, wb.SetSheetRow(sheet, "A1", &[]any{
		"Tray", "Vial", "Vial", "Barcode", "Substance Name", "Date", "Time", "Stable Weight?",
	}))
	require.NoError(t, wb.SetSheetRow(sheet, "A2", &[]any{
		"T1", "V1", 4, "B001", "Acetone", "2025-06-12", "14:03:22", "TRUE",
	}))
	require.NoError(t, wb.SetSheetRow(sheet, "A3", &[]any{
		"T1", "V2", 5, "B002", "Acetone", time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC), "14:05:00", true,
	}))

	var buf bytes.Buffer
	require.NoError(t, wb.Write(&buf))
	require.NoError(t, wb.Close())

	table, err := Decode("Run_20250612_140322.xlsx", buf.Bytes())
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)

	res, err := normalize.Normalize(table, "Run_20250612_140322.xlsx")
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	require.Len(t, res.Vials, 2)

	assert.Equal(t, "4", res.Vials[0].VialPosition)
	assert.Equal(t, "2025-06-12 14:03:22", res.Vials[0].Timestamp)
	assert.Equal(t, "2025-06-12 14:05:00", res.Vials[1].Timestamp)
	require.NotNil(t, res.Vials[1].StableWeight)
	assert.Equal(t, 1, *res.Vials[1].StableWeight)
}

func TestDecode_Unsupported(t *testing.T) {
	_, err := Decode("notes.txt", []byte("x"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Decode("broken.xlsx", []byte("not a zip"))
	require.Error(t, err)
}

type fakeS3 struct {
	objects map[string][]byte
	mod     time.Time
}

func (f *fakeS3) ListObjectsV2(
	_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options),
) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}

	for key, data := range f.objects {
		if !strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			continue
		}

		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(data))),
			LastModified: aws.Time(f.mod),
		})
	}

	return out, nil
}

func (f *fakeS3) GetObject(
	_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options),
) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Feed_ListAndRead(t *testing.T) {
	mod := time.Date(2025, 6, 12, 14, 5, 0, 0, time.UTC)
	client := &fakeS3{
		mod: mod,
		objects: map[string][]byte{
			"lab-a/Run_20250612_140322.xlsx":     []byte("one"),
			"lab-a/sub/Run_20250613_080000.xlsx": []byte("two"),
			"lab-a/readme.md":                    []byte("x"),
			"lab-b/Run_20250614_090000.xlsx":     []byte("three"),
			"other/Run_20250615_090000.xlsx":     []byte("four"),
		},
	}

	f := newS3Feed(testLogger(), client, &config.S3FeedConfig{
		Enabled:            true,
		S3ConnectionConfig: config.S3ConnectionConfig{Bucket: "lab"},
		Prefixes:           []string{"/lab-b/", "lab-a"},
	}, exportPattern)

	files, err := f.ListFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "lab-a/Run_20250612_140322.xlsx", files[0].ID)
	assert.Equal(t, "lab-a/sub/Run_20250613_080000.xlsx", files[1].ID)
	assert.Equal(t, "Run_20250613_080000.xlsx", files[1].Name)
	assert.Equal(t, "lab-b/Run_20250614_090000.xlsx", files[2].ID)
	assert.Equal(t, int64(5), files[2].Size)
	assert.True(t, files[2].ModTime.Equal(mod))

	data, err := f.Read(context.Background(), files[2].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), data)

	_, err = f.Read(context.Background(), "lab-a/missing_20250612_140322.xlsx")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestWatcher_DeliversSettledFiles(t *testing.T) {
	dir := t.TempDir()

	f := NewLocalFeed(testLogger(), &config.LocalFeedConfig{
		Enabled:        true,
		DiscoveryPaths: map[string]string{"chronect": dir},
	}, exportPattern)

	var (
		mu  sync.Mutex
		got []FileInfo
	)

	w := NewWatcher(testLogger(), f, 50*time.Millisecond, func(_ context.Context, info FileInfo) {
		mu.Lock()
		defer mu.Unlock()

		got = append(got, info)
	})

	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })

	writeFile(t, filepath.Join(dir, "ignored.txt"), []byte("x"))
	writeFile(t, filepath.Join(dir, "Run_20250612_140322.xlsx"), []byte("first"))

	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	// Give the watcher a moment to register the new directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "nested", "Run_20250613_080000.xlsx"), []byte("second"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(got) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	ids := make(map[string]bool, len(got))
	for _, info := range got {
		ids[info.ID] = true
	}

	assert.True(t, ids["chronect/Run_20250612_140322.xlsx"])
	assert.True(t, ids["chronect/nested/Run_20250613_080000.xlsx"])
	assert.False(t, ids["chronect/ignored.txt"])
}
