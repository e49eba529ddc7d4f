package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/thyrook/fenscan/internal/classify"
	"github.com/thyrook/fenscan/internal/correction"
	"github.com/thyrook/fenscan/internal/iface"
	"github.com/thyrook/fenscan/internal/pipeline"
	"github.com/thyrook/fenscan/internal/storage"
	"github.com/thyrook/fenscan/internal/vision"
)

type scanFlags struct {
	corners string
	screen  bool
	correct bool
	report  bool
	save    bool
	jsonOut bool
	stubFEN string
	backend string
	model   string
	diagDir string
	outFile string
	frame   int
}

func scanCommand(a *app) *cobra.Command {
	f := &scanFlags{}

	cmd := &cobra.Command{
		Use:   "scan [image]",
		Short: "Detect a board in an image and print its FEN",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !f.screen && len(args) == 0 {
				return errors.New("an image path is required unless --screen is set")
			}
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runScan(cmd.Context(), a, f, path, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.corners, "corners", "", `Board corners in image pixels, e.g. "12,10 500,14 498,505 9,500"`)
	cmd.Flags().BoolVar(&f.screen, "screen", false, "Capture the configured screen region instead of reading a file")
	cmd.Flags().BoolVar(&f.correct, "correct", false, "Review and correct the board interactively")
	cmd.Flags().BoolVar(&f.report, "report", false, "Print low confidence and failed cells")
	cmd.Flags().BoolVar(&f.save, "save", false, "Persist the scan even if storage is disabled in the config")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "Print the result as JSON")
	cmd.Flags().StringVar(&f.stubFEN, "stub-fen", "", "Use the stub classifier reproducing this position")
	cmd.Flags().StringVar(&f.backend, "backend", "", "Override the classifier backend (stub, heuristic, cnn, tflite)")
	cmd.Flags().StringVar(&f.model, "model", "", "Override the classifier model path")
	cmd.Flags().StringVar(&f.diagDir, "debug-dir", "", "Write diagnostic images and the cell report here")
	cmd.Flags().StringVarP(&f.outFile, "out", "o", "", "Also write the final FEN to this file")
	cmd.Flags().IntVar(&f.frame, "frame", -1, "Treat the input as a video and scan this frame")

	return cmd
}

// openSource picks the image source for a scan and names it for the record
func openSource(a *app, f *scanFlags, path string) (vision.Source, string, error) {
	switch {
	case f.screen:
		return vision.NewScreenSource(a.cfg.ScreenRect()), "screen", nil
	case f.frame >= 0:
		video, err := vision.NewVideoSource(path)
		if err != nil {
			return nil, "", err
		}
		if err := video.Seek(f.frame); err != nil {
			video.Close()
			return nil, "", err
		}
		return video, fmt.Sprintf("%s#%d", filepath.Base(path), f.frame), nil
	default:
		return vision.FileSource{Path: path}, filepath.Base(path), nil
	}
}

func readImage(a *app, f *scanFlags, path string) (gocv.Mat, string, error) {
	src, name, err := openSource(a, f, path)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer src.Close()

	img, err := src.Read()
	return img, name, err
}

func runScan(ctx context.Context, a *app, f *scanFlags, path string, in io.Reader, out io.Writer) error {
	logger := a.logger()
	cfg := a.cfg
	cli := iface.NewCLI(in, out, a.quiet || f.jsonOut)

	if f.diagDir != "" {
		cfg.Vision.DiagnosticsDir = f.diagDir
	}

	backend := cfg.BackendOptions()
	if f.backend != "" {
		backend.Backend = classify.Backend(f.backend)
	}
	if f.model != "" {
		backend.ModelPath = f.model
	}
	if f.stubFEN != "" {
		backend.Backend = classify.BackendStub
		backend.StubFEN = f.stubFEN
	}

	classifier, closer, err := classify.New(backend)
	if err != nil {
		return err
	}
	defer closer.Close()

	popts := cfg.PipelineOptions(logger)
	popts.KeepCells = popts.KeepCells || f.save
	p, err := pipeline.New(classifier, popts)
	if err != nil {
		return err
	}

	var corners []vision.Point
	if f.corners != "" {
		corners, err = vision.ParseCorners(f.corners)
		if err != nil {
			return fmt.Errorf("invalid --corners: %w", err)
		}
	}

	img, source, err := readImage(a, f, path)
	defer img.Close()
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if timeout := cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var result *pipeline.Result
	if len(corners) > 0 {
		result, err = p.RunWithQuad(ctx, img, corners)
	} else {
		result, err = p.Run(ctx, img)
	}
	if err != nil {
		cli.PrintError(fmt.Errorf("%s failed: %w", pipeline.StageOf(err), err))
		return err
	}

	if f.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		cli.PrintResult(result)
		if f.report || cfg.Interface.ShowReport {
			cli.PrintReport(result.Report)
		}
	}

	final := result.FEN
	var session *correction.Session
	if f.correct {
		session = correction.NewSession(result.State, result.Report, logger)
		fen, err := cli.RunCorrection(session)
		switch {
		case errors.Is(err, iface.ErrCorrectionCancelled):
			cli.PrintStatus("Keeping the detected position", "warning")
		case err != nil:
			return err
		default:
			final = fen
			cli.PrintFEN(fen)
		}
	}

	if f.outFile != "" {
		if err := os.WriteFile(f.outFile, []byte(final+"\n"), 0644); err != nil {
			return fmt.Errorf("failed to write FEN: %w", err)
		}
	}

	if f.save || cfg.Storage.Enabled {
		return saveScan(a, result, source, session, cli)
	}
	return nil
}

func saveScan(a *app, result *pipeline.Result, source string, session *correction.Session, cli *iface.CLI) error {
	logger := a.logger()
	cfg := a.cfg

	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	store, err := storage.NewScanStore(cfg.Storage.DBPath, cfg.Storage.MaxSamples)
	if err != nil {
		return err
	}
	defer store.Close()

	rec := storage.ScanRecord{
		ID:        result.ID,
		Source:    source,
		FEN:       result.FEN,
		Method:    string(result.Method),
		Report:    result.Report,
		Warnings:  result.Warnings,
		CreatedAt: result.CreatedAt,
	}
	if err := store.SaveScan(rec); err != nil {
		return err
	}
	if len(result.Cells) > 0 {
		if err := store.SaveCellImages(rec.ID, result.Cells); err != nil {
			return err
		}
	}

	samples := 0
	if session != nil && session.Status() == correction.Finalized {
		samples, err = store.RecordCorrections(rec.ID, session.State(), session.Edits())
		if err != nil {
			return err
		}
	}

	logger.Info("Scan saved",
		zap.String("scan", rec.ID),
		zap.String("db", cfg.Storage.DBPath),
		zap.Int("samples", samples))
	cli.PrintStatus(fmt.Sprintf("Saved scan %s (%d corrected samples)", rec.ID, samples), "success")
	return nil
}
