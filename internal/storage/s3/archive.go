package s3

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ir-orchestrator/internal/model"
)

// CompressionType defines compression algorithms.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
)

// Manifest describes one archive run.
type Manifest struct {
	ID          string          `json:"archive_id"`
	RecordCount int             `json:"record_count"`
	Tenants     []string        `json:"tenants"`
	Earliest    time.Time       `json:"earliest_detection"`
	Latest      time.Time       `json:"latest_detection"`
	Compression CompressionType `json:"compression"`
	Parts       []Part          `json:"parts"`
	RawBytes    int64           `json:"raw_bytes"`
	StoredBytes int64           `json:"stored_bytes"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Part is one uploaded object of an archive. Key is relative to the client
// prefix.
type Part struct {
	PartNumber  int    `json:"part_number"`
	Key         string `json:"key"`
	TenantID    string `json:"tenant_id"`
	RecordCount int    `json:"record_count"`
	Size        int64  `json:"size"`
}

// ArchiverConfig configures the archiver.
type ArchiverConfig struct {
	// BatchSize is the number of responses per object.
	BatchSize int `yaml:"batch_size"`

	Compression CompressionType `yaml:"compression"`

	// PathTemplate for part keys. Supports {tenant}, {date} and {id}.
	PathTemplate string `yaml:"path_template"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		BatchSize:    500,
		Compression:  CompressionGzip,
		PathTemplate: "responses/{tenant}/{date}/{id}.jsonl.gz",
	}
}

type archiverMetrics struct {
	responsesArchived atomic.Int64
	archivesCreated   atomic.Int64
	bytesStored       atomic.Int64
	errors            atomic.Int64
}

// ArchiverMetrics is a snapshot of archiver counters.
type ArchiverMetrics struct {
	ResponsesArchived int64
	ArchivesCreated   int64
	BytesStored       int64
	Errors            int64
}

// Archiver writes closed responses as compressed JSON lines.
type Archiver struct {
	client  *Client
	config  *ArchiverConfig
	logger  *slog.Logger
	metrics *archiverMetrics
	now     func() time.Time
}

// NewArchiver creates a new archiver.
func NewArchiver(client *Client, cfg *ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg == nil {
		cfg = DefaultArchiverConfig()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultArchiverConfig().BatchSize
	}
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = DefaultArchiverConfig().PathTemplate
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionGzip
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		client:  client,
		config:  cfg,
		logger:  logger,
		metrics: &archiverMetrics{},
		now:     time.Now,
	}
}

// Archive uploads responses grouped by tenant, then the manifest.
func (a *Archiver) Archive(ctx context.Context, responses []*model.IncidentResponse) (*Manifest, error) {
	if len(responses) == 0 {
		return nil, fmt.Errorf("s3: nothing to archive")
	}

	manifest := &Manifest{
		ID:          uuid.NewString(),
		Compression: a.config.Compression,
		CreatedAt:   a.now().UTC(),
	}

	byTenant := make(map[string][]*model.IncidentResponse)
	for _, r := range responses {
		byTenant[r.TenantID] = append(byTenant[r.TenantID], r)
		manifest.RecordCount++
		dt := r.Context.DetectionTime
		if manifest.Earliest.IsZero() || dt.Before(manifest.Earliest) {
			manifest.Earliest = dt
		}
		if dt.After(manifest.Latest) {
			manifest.Latest = dt
		}
	}
	for tenant := range byTenant {
		manifest.Tenants = append(manifest.Tenants, tenant)
	}
	sort.Strings(manifest.Tenants)

	partNum := 0
	for _, tenant := range manifest.Tenants {
		batch := byTenant[tenant]
		for start := 0; start < len(batch); start += a.config.BatchSize {
			end := start + a.config.BatchSize
			if end > len(batch) {
				end = len(batch)
			}
			partNum++
			part, raw, err := a.archivePart(ctx, manifest.ID, tenant, partNum, batch[start:end])
			if err != nil {
				a.metrics.errors.Add(1)
				return nil, fmt.Errorf("s3: failed to archive part %d: %w", partNum, err)
			}
			manifest.Parts = append(manifest.Parts, *part)
			manifest.RawBytes += raw
			manifest.StoredBytes += part.Size
		}
	}

	if err := a.uploadManifest(ctx, manifest); err != nil {
		a.metrics.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to upload manifest: %w", err)
	}

	a.metrics.archivesCreated.Add(1)
	a.metrics.responsesArchived.Add(int64(manifest.RecordCount))
	a.metrics.bytesStored.Add(manifest.StoredBytes)

	a.logger.Info("archived responses",
		"archive_id", manifest.ID,
		"responses", manifest.RecordCount,
		"parts", len(manifest.Parts),
		"stored_bytes", manifest.StoredBytes,
	)
	return manifest, nil
}

// ArchiveResponses archives responses and returns the archive id.
func (a *Archiver) ArchiveResponses(ctx context.Context, responses []*model.IncidentResponse) (string, error) {
	m, err := a.Archive(ctx, responses)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

func (a *Archiver) archivePart(ctx context.Context, archiveID, tenant string, partNum int, batch []*model.IncidentResponse) (*Part, int64, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range batch {
		if err := enc.Encode(r); err != nil {
			return nil, 0, err
		}
	}
	raw := int64(buf.Len())

	data, err := a.compress(buf.Bytes())
	if err != nil {
		return nil, 0, err
	}

	key := a.generateKey(tenant, fmt.Sprintf("%s-%04d", archiveID, partNum))
	contentType := "application/x-ndjson"
	if a.config.Compression == CompressionGzip {
		contentType = "application/gzip"
	}
	if _, err := a.client.Upload(ctx, key, data, contentType, map[string]string{
		"archive-id": archiveID,
		"tenant-id":  tenant,
		"responses":  fmt.Sprint(len(batch)),
	}); err != nil {
		return nil, 0, err
	}

	return &Part{
		PartNumber:  partNum,
		Key:         key,
		TenantID:    tenant,
		RecordCount: len(batch),
		Size:        int64(len(data)),
	}, raw, nil
}

func (a *Archiver) compress(data []byte) ([]byte, error) {
	if a.config.Compression != CompressionGzip {
		return data, nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, compression CompressionType) ([]byte, error) {
	if compression != CompressionGzip {
		return data, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// generateKey renders the path template. Tenant ids are reduced to key-safe
// characters.
func (a *Archiver) generateKey(tenant, partID string) string {
	now := a.now().UTC()
	r := strings.NewReplacer(
		"{tenant}", safeSegment(tenant),
		"{date}", now.Format("2006/01/02"),
		"{id}", partID,
	)
	return r.Replace(a.config.PathTemplate)
}

func safeSegment(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func manifestKey(archiveID string) string {
	return "manifests/" + archiveID + ".json"
}

func (a *Archiver) uploadManifest(ctx context.Context, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	_, err = a.client.Upload(ctx, manifestKey(m.ID), data, "application/json", map[string]string{
		"archive-id": m.ID,
	})
	return err
}

// GetManifest reads an archive manifest.
func (a *Archiver) GetManifest(ctx context.Context, archiveID string) (*Manifest, error) {
	data, err := a.client.Download(ctx, manifestKey(archiveID))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("s3: invalid manifest %s: %w", archiveID, err)
	}
	return &m, nil
}

// Restore reads every response of an archive back.
func (a *Archiver) Restore(ctx context.Context, archiveID string) ([]*model.IncidentResponse, error) {
	m, err := a.GetManifest(ctx, archiveID)
	if err != nil {
		return nil, err
	}

	out := make([]*model.IncidentResponse, 0, m.RecordCount)
	for _, part := range m.Parts {
		data, err := a.client.Download(ctx, part.Key)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to restore part %d: %w", part.PartNumber, err)
		}
		raw, err := decompress(data, m.Compression)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to decompress part %d: %w", part.PartNumber, err)
		}
		sc := bufio.NewScanner(bytes.NewReader(raw))
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var r model.IncidentResponse
			if err := json.Unmarshal(line, &r); err != nil {
				return nil, fmt.Errorf("s3: corrupt record in part %d: %w", part.PartNumber, err)
			}
			out = append(out, &r)
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListArchives returns manifests ordered by creation time.
func (a *Archiver) ListArchives(ctx context.Context) ([]Manifest, error) {
	objects, err := a.client.List(ctx, "manifests/", 0)
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for _, obj := range objects {
		id := strings.TrimSuffix(strings.TrimPrefix(obj.Key, "manifests/"), ".json")
		m, err := a.GetManifest(ctx, id)
		if err != nil {
			a.logger.Warn("skipping unreadable manifest", "key", obj.Key, "error", err)
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteArchive removes every part and the manifest.
func (a *Archiver) DeleteArchive(ctx context.Context, archiveID string) error {
	m, err := a.GetManifest(ctx, archiveID)
	if err != nil {
		return err
	}
	for _, part := range m.Parts {
		if err := a.client.Delete(ctx, part.Key); err != nil {
			return err
		}
	}
	return a.client.Delete(ctx, manifestKey(archiveID))
}

// Metrics returns a snapshot of the archiver counters.
func (a *Archiver) Metrics() ArchiverMetrics {
	return ArchiverMetrics{
		ResponsesArchived: a.metrics.responsesArchived.Load(),
		ArchivesCreated:   a.metrics.archivesCreated.Load(),
		BytesStored:       a.metrics.bytesStored.Load(),
		Errors:            a.metrics.errors.Load(),
	}
}
