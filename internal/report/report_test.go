package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/winupdate/internal/config"
	"github.com/breeze-rmm/winupdate/internal/winupdate"
)

func sampleReport() *winupdate.Report {
	return &winupdate.Report{
		RunID:     "0b6f3c1e-2f0a-4a53-9d7e-3c1f6e2b9a10",
		Operation: winupdate.OperationInstall,
		Success:   true,
		Comment:   "Search was done without error.\nDownload was done without error.\nInstall was done without error.\n",
		Output:    "Windows is up to date. \nThe following are the updates and their return codes.\n\t2: KB1\n",
		Criteria:  "IsInstalled=0 and IsHidden=0 and Type='Software' or IsInstalled=0 and IsHidden=0 and Type='Driver'",
		Skips:     winupdate.DefaultSkips(),
		Results: []winupdate.ResultEntry{
			{Index: 0, UpdateID: "a", Title: "KB1", ResultCode: winupdate.ResultSucceeded, Result: "Succeeded"},
		},
		RetriesLeft:    5,
		RebootRequired: true,
		StartedAt:      time.Date(2026, 3, 4, 2, 0, 0, 0, time.UTC),
		FinishedAt:     time.Date(2026, 3, 4, 2, 5, 0, 0, time.UTC),
	}
}

func TestRenderText(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, sampleReport(), ""); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"install succeeded (run 0b6f3c1e-2f0a-4a53-9d7e-3c1f6e2b9a10)\n",
		"\t2: KB1\n",
		"Install was done without error.\n",
		"A reboot is required",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, sampleReport(), "JSON"); err != nil {
		t.Fatalf("Render: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["operation"] != "install" || decoded["success"] != true {
		t.Fatalf("decoded = %v", decoded)
	}
	results, _ := decoded["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v", decoded["results"])
	}
}

func TestRenderYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, sampleReport(), FormatYAML); err != nil {
		t.Fatalf("Render: %v", err)
	}
	var decoded map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid YAML: %v", err)
	}
	if decoded["runId"] != "0b6f3c1e-2f0a-4a53-9d7e-3c1f6e2b9a10" {
		t.Fatalf("runId = %v", decoded["runId"])
	}
	skips, _ := decoded["skips"].(map[string]any)
	if skips["ui"] != true || skips["driver"] != false {
		t.Fatalf("skips = %v", decoded["skips"])
	}
}

func TestRenderUnknownFormat(t *testing.T) {
	if err := Render(&bytes.Buffer{}, sampleReport(), "xml"); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestObjectName(t *testing.T) {
	got := ObjectName(sampleReport(), FormatJSON)
	want := "install/20260304T020000Z-0b6f3c1e-2f0a-4a53-9d7e-3c1f6e2b9a10.json"
	if got != want {
		t.Fatalf("ObjectName() = %q, want %q", got, want)
	}
}

func TestLocalSinkArchive(t *testing.T) {
	dir := t.TempDir()
	sink := NewLocalSink(dir)

	location, err := Archive(context.Background(), sink, sampleReport(), FormatText)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !strings.HasPrefix(location, dir) || filepath.Ext(location) != ".txt" {
		t.Fatalf("location = %q", location)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		t.Fatalf("read archived report: %v", err)
	}
	if !strings.Contains(string(data), "install succeeded") {
		t.Fatalf("archived report = %q", data)
	}
	if _, err := os.Stat(location + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary file left behind")
	}
}

func TestLocalSinkRejectsTraversal(t *testing.T) {
	sink := NewLocalSink(t.TempDir())
	if _, err := sink.Put(context.Background(), "../escape.txt", []byte("x"), FormatText); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
	if _, err := NewLocalSink("").Put(context.Background(), "a.txt", []byte("x"), FormatText); err == nil {
		t.Fatal("expected an error without a base path")
	}
}

type fakeUploader struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.inputs = append(f.inputs, input)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(input.Body); err != nil {
		return nil, err
	}
	f.bodies = append(f.bodies, buf.String())
	if f.err != nil {
		return nil, f.err
	}
	return &manager.UploadOutput{}, nil
}

func TestS3SinkPut(t *testing.T) {
	up := &fakeUploader{}
	sink := &S3Sink{bucket: "patch-reports", prefix: "hosts/web01", uploader: up}

	location, err := Archive(context.Background(), sink, sampleReport(), FormatJSON)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	wantKey := "hosts/web01/install/20260304T020000Z-0b6f3c1e-2f0a-4a53-9d7e-3c1f6e2b9a10.json"
	if location != "s3://patch-reports/"+wantKey {
		t.Fatalf("location = %q", location)
	}
	if len(up.inputs) != 1 {
		t.Fatalf("uploads = %d, want 1", len(up.inputs))
	}
	in := up.inputs[0]
	if *in.Bucket != "patch-reports" || *in.Key != wantKey || *in.ContentType != "application/json" {
		t.Fatalf("PutObjectInput = bucket %q key %q type %q", *in.Bucket, *in.Key, *in.ContentType)
	}
	if !strings.Contains(up.bodies[0], `"operation": "install"`) {
		t.Fatalf("uploaded body = %q", up.bodies[0])
	}
}

func TestS3SinkUploadError(t *testing.T) {
	sink := &S3Sink{bucket: "b", uploader: &fakeUploader{err: errors.New("AccessDenied")}}
	if _, err := sink.Put(context.Background(), "x.txt", []byte("x"), FormatText); err == nil || !strings.Contains(err.Error(), "AccessDenied") {
		t.Fatalf("expected wrapped upload error, got %v", err)
	}
}

func TestNewSinkSelection(t *testing.T) {
	ctx := context.Background()

	sink, err := NewSink(ctx, &config.Config{})
	if err != nil || sink != nil {
		t.Fatalf("empty sink = %v, %v; want nil, nil", sink, err)
	}

	dir := t.TempDir()
	sink, err = NewSink(ctx, &config.Config{ReportSink: "local", ReportDir: dir})
	if err != nil {
		t.Fatalf("local sink: %v", err)
	}
	if local, ok := sink.(*LocalSink); !ok || local.BasePath != dir {
		t.Fatalf("sink = %#v", sink)
	}

	if _, err := NewSink(ctx, &config.Config{ReportSink: "s3"}); err == nil {
		t.Fatal("expected s3 sink without bucket to fail")
	}
	if _, err := NewSink(ctx, &config.Config{ReportSink: "ftp"}); err == nil {
		t.Fatal("expected unknown sink to fail")
	}
}
