package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/line-sheets/config"
	"github.com/onnwee/line-sheets/media/gdrive"
	"github.com/onnwee/line-sheets/sheets"
)

func init() {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check spreadsheet and Drive folder access and write the header row",
		Long: "Resolve Google credentials, read the spreadsheet title, write the header row and optionally append one sample row. " +
			"With the Drive media backend the configured GOOGLE_DRIVE_FOLDER_ID is read as well. Exits 1 on any failure.",
		Run:   runTest,
	}
	cmd.Flags().Bool("no-headers", false, "Skip writing the header row")
	cmd.Flags().Bool("sample-row", false, "Append a sample text row after the header")
	RootCmd.AddCommand(cmd)
}

// sheetTarget is the subset of sheets.Writer used by the connectivity check.
type sheetTarget interface {
	TestConnection(ctx context.Context) (string, error)
	WriteHeaders(ctx context.Context) error
	Append(ctx context.Context, row sheets.Row) (*sheets.AppendResult, error)
}

type checkOptions struct {
	headers   bool
	sampleRow bool
	now       time.Time
}

func checkSheet(ctx context.Context, w sheetTarget, opts checkOptions, out io.Writer) error {
	title, err := w.TestConnection(ctx)
	if err != nil {
		return fmt.Errorf("open spreadsheet: %w", err)
	}
	fmt.Fprintf(out, "connected to spreadsheet %q\n", title)
	if opts.headers {
		if err := w.WriteHeaders(ctx); err != nil {
			return fmt.Errorf("write headers: %w", err)
		}
		fmt.Fprintln(out, "header row written")
	}
	if opts.sampleRow {
		res, err := w.Append(ctx, sheets.Row{
			Timestamp: opts.now.Format(sheets.TimestampLayout),
			UserID:    "sheets-setup",
			Type:      sheets.RowText,
			Content:   "connectivity test",
		})
		if err != nil {
			return fmt.Errorf("append sample row: %w", err)
		}
		fmt.Fprintf(out, "sample row appended at %s\n", res.UpdatedRange)
	}
	return nil
}

// folderTarget is the subset of gdrive.Uploader used by the folder check.
type folderTarget interface {
	CheckFolder(ctx context.Context) (string, error)
}

func checkDrive(ctx context.Context, d folderTarget, out io.Writer) error {
	name, err := d.CheckFolder(ctx)
	if err != nil {
		return fmt.Errorf("open drive folder: %w", err)
	}
	if name == "" {
		fmt.Fprintln(out, "no drive folder configured, images will be uploaded to the drive root")
		return nil
	}
	fmt.Fprintf(out, "drive folder %q accessible\n", name)
	return nil
}

func runTest(cmd *cobra.Command, args []string) {
	noHeaders, _ := cmd.Flags().GetBool("no-headers")
	sample, _ := cmd.Flags().GetBool("sample-row")

	cfg := loadConfig()
	if err := cfg.ValidateSheetsReady(); err != nil {
		exitErr("config", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	cred, stores := resolveCredential(ctx, cfg)
	defer stores.Close()
	fmt.Printf("credentials from %s (%s)\n", cred.Source, cred.Subject)

	w, err := sheets.Open(ctx, cfg.SpreadsheetID, cfg.SheetRange, cred.ClientOptions()...)
	if err != nil {
		exitErr("sheets client", err)
	}
	opts := checkOptions{headers: !noHeaders, sampleRow: sample, now: time.Now().In(cfg.Location)}
	if err := checkSheet(ctx, w, opts, os.Stdout); err != nil {
		exitErr("test", err)
	}
	if cfg.MediaBackend != config.MediaBackendS3 {
		d, err := gdrive.Open(ctx, cfg.DriveFolderID, cred.ClientOptions()...)
		if err != nil {
			exitErr("drive client", err)
		}
		if err := checkDrive(ctx, d, os.Stdout); err != nil {
			exitErr("test", err)
		}
	}
	fmt.Println("all checks passed")
}
