package build

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// ExecRunner runs stages as host commands inside the work directory.
// Commands maps a stage to an argv template; a "{filter}" placeholder is
// substituted with the test filter and dropped when the filter is empty.
type ExecRunner struct {
	commands map[Stage][]string
	logger   *zap.Logger
}

// DefaultStageCommands returns the node toolchain commands the pipeline was
// built around. Override per deployment for other stacks.
func DefaultStageCommands() map[Stage][]string {
	return map[Stage][]string{
		StageInstalling: {"npm", "ci"},
		StageLinting:    {"npm", "run", "lint"},
		StageTesting:    {"npm", "test", "{filter}"},
	}
}

// NewExecRunner builds a stage runner. nil commands means the defaults.
func NewExecRunner(commands map[Stage][]string, logger *zap.Logger) *ExecRunner {
	if commands == nil {
		commands = DefaultStageCommands()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{commands: commands, logger: logger.Named("stagerunner")}
}

// Run executes the stage's command in the work directory, merging stdout and
// stderr so test summaries survive either stream.
func (r *ExecRunner) Run(ctx context.Context, req StageRequest) (string, error) {
	argv, ok := r.commands[req.Stage]
	if !ok || len(argv) == 0 {
		return "", fmt.Errorf("no command configured for stage %s", req.Stage)
	}

	rendered := make([]string, 0, len(argv))
	for _, arg := range argv {
		if strings.Contains(arg, "{filter}") {
			if req.TestFilter == "" {
				continue
			}
			arg = strings.ReplaceAll(arg, "{filter}", req.TestFilter)
		}
		rendered = append(rendered, arg)
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, rendered[0], rendered[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	r.logger.Debug("stage command finished",
		zap.String("app", req.AppName),
		zap.String("stage", string(req.Stage)),
		zap.Bool("success", err == nil),
	)
	if err != nil {
		return out.String(), fmt.Errorf("stage %s: %w", req.Stage, err)
	}
	return out.String(), nil
}

// LocalImageBuilder packs the work directory into a gzipped tar layer and
// records its OCI descriptor. Push copies the archive into PushDir; with no
// PushDir the pipeline should run with SkipPush.
type LocalImageBuilder struct {
	// OutputDir receives built archives. Empty means the system temp dir.
	OutputDir string
	// PushDir is the push destination (a registry mirror directory).
	PushDir string
	logger  *zap.Logger
}

// NewLocalImageBuilder builds the archive-based image builder.
func NewLocalImageBuilder(outputDir, pushDir string, logger *zap.Logger) *LocalImageBuilder {
	if outputDir == "" {
		outputDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalImageBuilder{OutputDir: outputDir, PushDir: pushDir, logger: logger.Named("imagebuilder")}
}

// BuildImage archives the work directory and returns its descriptor.
func (b *LocalImageBuilder) BuildImage(ctx context.Context, workDir, imageName, tag string) (ImageResult, error) {
	data, err := archiveDir(ctx, workDir)
	if err != nil {
		return ImageResult{}, fmt.Errorf("archive workdir: %w", err)
	}

	dgst := digest.FromBytes(data)
	archivePath := filepath.Join(b.OutputDir, archiveFileName(imageName, tag))
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		return ImageResult{}, fmt.Errorf("write image archive: %w", err)
	}

	b.logger.Info("image built",
		zap.String("image", imageName),
		zap.String("tag", tag),
		zap.String("digest", dgst.String()),
		zap.Int("size", len(data)),
	)
	return ImageResult{
		ImageName: imageName,
		ImageTag:  tag,
		Descriptor: &ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    dgst,
			Size:      int64(len(data)),
		},
	}, nil
}

// PushImage copies the built archive into the push directory.
func (b *LocalImageBuilder) PushImage(_ context.Context, image ImageResult) error {
	if b.PushDir == "" {
		return fmt.Errorf("no push destination configured")
	}
	if err := os.MkdirAll(b.PushDir, 0o755); err != nil {
		return fmt.Errorf("create push dir: %w", err)
	}

	name := archiveFileName(image.ImageName, image.ImageTag)
	src := filepath.Join(b.OutputDir, name)
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read image archive: %w", err)
	}
	if image.Descriptor != nil {
		if dgst := digest.FromBytes(data); dgst != image.Descriptor.Digest {
			return fmt.Errorf("archive digest mismatch: built %s, read %s", image.Descriptor.Digest, dgst)
		}
	}
	if err := os.WriteFile(filepath.Join(b.PushDir, name), data, 0o644); err != nil {
		return fmt.Errorf("push image archive: %w", err)
	}
	return nil
}

func archiveFileName(imageName, tag string) string {
	return strings.ReplaceAll(imageName, "/", "_") + "-" + tag + ".tar.gz"
}

// archiveDir produces a deterministic gzipped tar of the directory tree.
func archiveDir(ctx context.Context, dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		hdr := &tar.Header{
			Name: filepath.ToSlash(rel),
			Mode: 0o644,
			Size: info.Size(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
