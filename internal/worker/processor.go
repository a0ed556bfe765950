package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"mapxion/pkg/zip"
)

// Stage is one reported step of a reconstruction run.
type Stage struct {
	Name     string
	Progress int
	Message  string
}

// Stages are reported in order between running/5 and done/100.
var Stages = []Stage{
	{Name: "import", Progress: 20, Message: "Importing photos"},
	{Name: "align", Progress: 45, Message: "Aligning cameras"},
	{Name: "build", Progress: 70, Message: "Building point cloud / mesh"},
	{Name: "export", Progress: 90, Message: "Exporting outputs"},
}

const (
	ManifestName = "manifest.json"
	ModelName    = "model.zip"
	ErrorName    = "error.txt"
)

// Workspace is the scratch area of one run.
type Workspace struct {
	JobID     string
	Root      string
	InputDir  string
	OutputDir string
	Inputs    []string
}

func newWorkspace(root, jobID string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure work root: %w", err)
	}
	dir, err := os.MkdirTemp(root, "job-"+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &Workspace{
		JobID:     jobID,
		Root:      dir,
		InputDir:  filepath.Join(dir, "input"),
		OutputDir: filepath.Join(dir, "output"),
	}
	for _, d := range []string{ws.InputDir, ws.OutputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	return ws, nil
}

func (w *Workspace) cleanup() error {
	return os.RemoveAll(w.Root)
}

// Processor performs the work of a stage inside a workspace. Outputs are
// whatever it leaves in OutputDir after the last stage.
type Processor interface {
	Run(ctx context.Context, stage Stage, ws *Workspace) error
}

// Placeholder stands in for the photogrammetry engine: it paces the stages
// and exports a manifest of the inputs plus a packaged model archive.
type Placeholder struct {
	Delay time.Duration
	now   func() time.Time
}

func NewPlaceholder(delay time.Duration) *Placeholder {
	return &Placeholder{Delay: delay, now: time.Now}
}

type manifestEntry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

type manifest struct {
	JobID       string          `json:"job_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Inputs      []manifestEntry `json:"inputs"`
}

func (p *Placeholder) Run(ctx context.Context, stage Stage, ws *Workspace) error {
	if err := sleep(ctx, p.Delay); err != nil {
		return err
	}
	switch stage.Name {
	case "import":
		if len(ws.Inputs) == 0 {
			return errNoInputs
		}
	case "export":
		if err := p.writeManifest(ws); err != nil {
			return err
		}
		return zip.WriteDirFile(ctx, ws.OutputDir, filepath.Join(ws.OutputDir, ModelName))
	}
	return nil
}

func (p *Placeholder) writeManifest(ws *Workspace) error {
	m := manifest{JobID: ws.JobID, GeneratedAt: p.now().UTC(), Inputs: make([]manifestEntry, 0, len(ws.Inputs))}
	for _, name := range ws.Inputs {
		entry, err := digest(filepath.Join(ws.InputDir, name))
		if err != nil {
			return err
		}
		entry.Name = name
		m.Inputs = append(m.Inputs, entry)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(ws.OutputDir, ManifestName), data, 0o644)
}

func digest(path string) (manifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return manifestEntry{}, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return manifestEntry{}, fmt.Errorf("hash input: %w", err)
	}
	return manifestEntry{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
