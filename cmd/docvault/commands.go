package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/spf13/pflag"

	"github.com/markdave123-py/docvault/internal/app"
	"github.com/markdave123-py/docvault/internal/core"
	"github.com/markdave123-py/docvault/internal/core/manifest"
	"github.com/markdave123-py/docvault/internal/services"
)

// command is one docvault subcommand. flags binds the command's own flag
// values, which run reads after parsing.
type command struct {
	name    string
	summary string
	flags   func() *pflag.FlagSet
	run     func(ctx context.Context, a *app.App, out io.Writer) error
}

func lookupCommand(name string) (*command, bool) {
	for _, c := range commands() {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

func commands() []*command {
	return []*command{
		createDocumentCommand(),
		uploadCommand(),
		importLegacyCommand(),
		readCommand(),
		extractCommand(),
		versionsCommand(),
		versionFlagCommand("delete", "soft-delete a version", func(ctx context.Context, a *app.App, id string) error {
			return a.Documents.DeleteVersion(ctx, id)
		}),
		versionFlagCommand("restore", "undo a soft delete", func(ctx context.Context, a *app.App, id string) error {
			return a.Documents.RestoreVersion(ctx, id)
		}),
		versionFlagCommand("sign", "mark a version as signed", func(ctx context.Context, a *app.App, id string) error {
			return a.Documents.SignVersion(ctx, id)
		}),
		migrateCommand(),
		urlCommand(),
		gcCommand(),
	}
}

func createDocumentCommand() *command {
	var owner, title string
	return &command{
		name:    "create-document",
		summary: "register a new document and print its id",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("create-document", pflag.ContinueOnError)
			fs.StringVar(&owner, "owner", "", "owner id (required)")
			fs.StringVar(&title, "title", "", "document title")
			return fs
		},
		run: func(ctx context.Context, a *app.App, out io.Writer) error {
			doc, err := a.Documents.CreateDocument(ctx, owner, title)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, doc.ID)
			return nil
		},
	}
}

func uploadCommand() *command {
	var req services.UploadRequest
	var file string
	return &command{
		name:    "upload",
		summary: "store a file as a new version and print the version id",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("upload", pflag.ContinueOnError)
			fs.StringVar(&req.DocumentID, "document", "", "document id (required)")
			fs.StringVarP(&file, "file", "f", "", "file to upload (required)")
			fs.StringVar(&req.Label, "label", "", "version label")
			fs.StringVar(&req.UploaderID, "uploader", "", "uploader id")
			fs.StringVar(&req.ContentType, "content-type", "", "media type of the file (from the extension when empty)")
			fs.StringToStringVar(&req.Metadata, "meta", nil, "extra metadata as key=value pairs")
			return fs
		},
		run: func(ctx context.Context, a *app.App, out io.Writer) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			req.Data = data
			req.ContentType = contentTypeFor(file, req.ContentType)
			id, err := a.Documents.UploadVersion(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, id)
			return nil
		},
	}
}

func importLegacyCommand() *command {
	var documentID, file, label string
	return &command{
		name:    "import-legacy",
		summary: "store a file as a single-blob legacy version",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("import-legacy", pflag.ContinueOnError)
			fs.StringVar(&documentID, "document", "", "document id (required)")
			fs.StringVarP(&file, "file", "f", "", "file to import (required)")
			fs.StringVar(&label, "label", "", "version label")
			return fs
		},
		run: func(ctx context.Context, a *app.App, out io.Writer) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			id, err := a.Manifest.ImportLegacy(ctx, documentID, data, label)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, id)
			return nil
		},
	}
}

func readCommand() *command {
	var versionID, output string
	var includeDeleted bool
	return &command{
		name:    "read",
		summary: "write a version's bytes to stdout or a file",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("read", pflag.ContinueOnError)
			fs.StringVar(&versionID, "version", "", "version id (required)")
			fs.StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
			fs.BoolVar(&includeDeleted, "include-deleted", false, "allow reading soft-deleted versions")
			return fs
		},
		run: func(ctx context.Context, a *app.App, out io.Writer) error {
			rc, err := a.Manifest.Reconstitute(ctx, versionID, manifest.ReadOptions{IncludeDeleted: includeDeleted})
			if err != nil {
				return err
			}
			defer rc.Close()

			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			_, err = io.Copy(out, rc)
			return err
		},
	}
}

func extractCommand() *command {
	var versionID, documentID, file, contentType string
	var workers int
	return &command{
		name:    "extract",
		summary: "print the text of a stored version, every version of a document, or a local file",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("extract", pflag.ContinueOnError)
			fs.StringVar(&versionID, "version", "", "stored version id")
			fs.StringVar(&documentID, "document", "", "extract every live version of this document")
			fs.IntVar(&workers, "workers", 2, "parallel extractions with --document")
			fs.StringVarP(&file, "file", "f", "", "local file instead of a stored version")
			fs.StringVar(&contentType, "content-type", "", "media type of --file (from the extension, then sniffed, when empty)")
			return fs
		},
		run: func(ctx context.Context, a *app.App, out io.Writer) error {
			var text string
			switch {
			case versionID != "":
				res, err := a.Documents.ExtractVersionText(ctx, versionID)
				if err != nil {
					return err
				}
				text = res.Text
			case documentID != "":
				return extractDocument(ctx, a, documentID, workers, out)
			case file != "":
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				res, err := a.Documents.ExtractText(ctx, f, contentTypeFor(file, contentType))
				if err != nil {
					return err
				}
				text = res.Text
			default:
				return fmt.Errorf("one of --version, --document or --file is required")
			}
			_, err := fmt.Fprintln(out, text)
			return err
		},
	}
}

// contentTypeFor returns the explicit type, or the one docconv associates with
// the file's extension. Unknown extensions yield application/octet-stream,
// which extraction sniffs.
func contentTypeFor(file, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return docconv.MimeTypeByExtension(file)
}

// extractDocument runs the background worker over a document's versions and
// prints one summary line per version.
func extractDocument(ctx context.Context, a *app.App, documentID string, workers int, out io.Writer) error {
	versions, err := a.Documents.ListVersions(ctx, documentID, false)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var failed int
	w := services.NewExtractionWorker(a.Documents, 0, func(versionID string, res *core.ExtractedText, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s\terror\t%v\n", versionID, err)
			return
		}
		fmt.Fprintf(out, "%s\t%s\t%d pages\t%d chars\n", versionID, res.Source, res.Pages, utf8.RuneCountInString(res.Text))
	})
	w.Start(ctx, workers)
	for _, v := range versions {
		if err := w.Enqueue(ctx, v.ID); err != nil {
			w.Close()
			return err
		}
	}
	w.Close()

	if failed > 0 {
		return fmt.Errorf("%d of %d versions failed", failed, len(versions))
	}
	return nil
}

func versionsCommand() *command {
	var documentID string
	var all bool
	return &command{
		name:    "versions",
		summary: "list a document's versions, oldest first",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("versions", pflag.ContinueOnError)
			fs.StringVar(&documentID, "document", "", "document id (required)")
			fs.BoolVar(&all, "all", false, "include soft-deleted versions")
			return fs
		},
		run: func(ctx context.Context, a *app.App, out io.Writer) error {
			versions, err := a.Documents.ListVersions(ctx, documentID, all)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tLABEL\tSIZE\tMODE\tSIGNED\tDELETED\tCREATED")
			for _, v := range versions {
				mode := "legacy"
				if v.Chunked {
					mode = "chunked"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\t%t\t%s\n",
					v.ID, v.Label, v.Size, mode, v.Signed, v.Deleted, v.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func versionFlagCommand(name, summary string, fn func(ctx context.Context, a *app.App, id string) error) *command {
	var versionID string
	return &command{
		name:    name,
		summary: summary,
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
			fs.StringVar(&versionID, "version", "", "version id (required)")
			return fs
		},
		run: func(ctx context.Context, a *app.App, out io.Writer) error {
			return fn(ctx, a, versionID)
		},
	}
}

func migrateCommand() *command {
	var versionID string
	var limit int
	return &command{
		name:    "migrate",
		summary: "move legacy versions into the chunk store",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
			fs.StringVar(&versionID, "version", "", "migrate only this version")
			fs.IntVar(&limit, "limit", 0, "maximum versions to migrate (0 for all)")
			return fs
		},
		run: func(ctx context.Context, a *app.App, out io.Writer) error {
			if versionID != "" {
				refs, err := a.Documents.MigrateVersion(ctx, versionID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %d chunks\n", versionID, len(refs))
				return nil
			}
			report, err := a.Documents.MigrateAll(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "migrated %d, failed %d\n", len(report.Migrated), len(report.Failed))
			for id, ferr := range report.Failed {
				fmt.Fprintf(out, "  %s: %v\n", id, ferr)
			}
			return nil
		},
	}
}

func urlCommand() *command {
	var versionID string
	var validity time.Duration
	return &command{
		name:    "url",
		summary: "print a temporary read url for a legacy version",
		flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("url", pflag.ContinueOnError)
			fs.StringVar(&versionID, "version", "", "version id (required)")
			fs.DurationVar(&validity, "ttl", 15*time.Minute, "how long the url stays valid")
			return fs
		},
		run: func(ctx context.Context, a *app.App, out io.Writer) error {
			u, err := a.Manifest.TemporaryURL(ctx, versionID, validity)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, u)
			return nil
		},
	}
}

func gcCommand() *command {
	return &command{
		name:    "gc",
		summary: "delete chunks no version references",
		flags: func() *pflag.FlagSet {
			return pflag.NewFlagSet("gc", pflag.ContinueOnError)
		},
		run: func(ctx context.Context, a *app.App, out io.Writer) error {
			report, err := a.Documents.CollectGarbage(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "removed %d chunks (%d bytes), %d blobs\n", report.Chunks, report.Bytes, report.BlobsDeleted)
			return nil
		},
	}
}
