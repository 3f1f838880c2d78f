package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-image/pkg/simpleimage"
	"github.com/tendant/simple-image/pkg/simpleimage/batch"
	"github.com/tendant/simple-image/pkg/simpleimage/config"
)

// NewIngestCommand creates the ingest command
func NewIngestCommand() *cobra.Command {
	var altText string
	var entityPath string
	var primary bool

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Run image files through the pipeline",
		Long: `Validate, derive, publish and record each file. Failures are isolated
per file; the command exits non-zero if any file failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entity *simpleimage.EntityRef
			if entityPath != "" {
				ref, err := simpleimage.ParseEntityPath(entityPath)
				if err != nil {
					return err
				}
				entity = &ref
			}

			uploads := make([]batch.Upload, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				uploads = append(uploads, batch.Upload{
					FileName: filepath.Base(path),
					Data:     data,
					AltText:  altText,
					Entity:   entity,
				})
			}

			return withComponents(cmd, func(ctx context.Context, comp *config.Components) error {
				res, procErr := comp.Orchestrator.Process(ctx, uploads)
				if res != nil {
					if entity != nil {
						if err := linkRecorded(ctx, comp.Service, res, *entity, primary); err != nil {
							return err
						}
					}
					if err := printResult(cmd, res); err != nil {
						return err
					}
				}
				if procErr != nil {
					return fmt.Errorf("batch aborted: %w", procErr)
				}
				if failed := len(res.Failed()); failed > 0 {
					return fmt.Errorf("%d of %d files failed", failed, len(uploads))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&altText, "alt", "", "alt text applied to every image")
	cmd.Flags().StringVar(&entityPath, "entity", "", "link recorded images to an entity, as kind/id")
	cmd.Flags().BoolVar(&primary, "primary", false, "make the first recorded image the entity's primary")

	return cmd
}

func linkRecorded(ctx context.Context, svc simpleimage.Service, res *batch.Result, entity simpleimage.EntityRef, primary bool) error {
	for _, img := range res.Images() {
		if _, err := svc.LinkImage(ctx, simpleimage.LinkImageRequest{
			ImageID: img.ID,
			Entity:  entity,
			Primary: primary,
		}); err != nil {
			return fmt.Errorf("failed to link %s to %s: %w", img.ID, entity, err)
		}
		primary = false
	}
	return nil
}

func printResult(cmd *cobra.Command, res *batch.Result) error {
	if jsonOutput(cmd) {
		type itemJSON struct {
			FileName string             `json:"file_name"`
			State    batch.State        `json:"state"`
			FailedAt batch.State        `json:"failed_at,omitempty"`
			Error    string             `json:"error,omitempty"`
			Image    *simpleimage.Image `json:"image,omitempty"`
		}
		items := make([]itemJSON, len(res.Items))
		for i, item := range res.Items {
			items[i] = itemJSON{FileName: item.FileName, State: item.State, FailedAt: item.FailedAt, Image: item.Image}
			if item.Err != nil {
				items[i].Error = item.Err.Error()
			}
		}
		return printJSON(cmd.OutOrStdout(), items)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "FILE\tSTATE\tIMAGE\tVARIANTS\tDETAIL\n")
	for _, item := range res.Items {
		if item.OK() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				item.FileName, item.State, item.Image.ID, len(item.Image.Variants), item.Image.OriginalURL)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t-\t-\tat %s: %v\n", item.FileName, item.State, item.FailedAt, item.Err)
	}
	return w.Flush()
}

// NewListCommand creates the list command
func NewListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded images, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, comp *config.Components) error {
				images, err := comp.Service.ListImages(ctx)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), images)
				}
				if len(images) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No images found")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "ID\tFILE\tSIZE\tDIMENSIONS\tVARIANTS\tUPLOADED\n")
				for _, img := range images {
					fmt.Fprintf(w, "%s\t%s\t%d\t%dx%d\t%d\t%s\n",
						img.ID, img.FileName, img.OriginalSize, img.Width, img.Height,
						len(img.Variants), img.UploadedAt.Format("2006-01-02 15:04:05"))
				}
				return w.Flush()
			})
		},
	}
}

// NewShowCommand creates the show command
func NewShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <image-id>",
		Short: "Show one image with its variants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid image ID: %w", err)
			}
			return withComponents(cmd, func(ctx context.Context, comp *config.Components) error {
				img, err := comp.Service.GetImage(ctx, id)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), img)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID:         %s\n", img.ID)
				fmt.Fprintf(out, "File:       %s (%s, %d bytes)\n", img.FileName, img.ContentType, img.OriginalSize)
				fmt.Fprintf(out, "Dimensions: %dx%d\n", img.Width, img.Height)
				fmt.Fprintf(out, "Original:   %s\n", img.OriginalURL)
				if img.AltText != "" {
					fmt.Fprintf(out, "Alt:        %s\n", img.AltText)
				}
				fmt.Fprintf(out, "Srcset:     %s\n", img.SrcSet())
				return nil
			})
		},
	}
}

// NewDeleteCommand creates the delete command
func NewDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <image-id>",
		Short: "Delete an image, its links and its published objects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid image ID: %w", err)
			}
			return withComponents(cmd, func(ctx context.Context, comp *config.Components) error {
				img, err := comp.Orchestrator.Delete(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%d objects)\n", img.ID, len(img.Keys()))
				return nil
			})
		},
	}
}

// NewLinkCommand creates the link command
func NewLinkCommand() *cobra.Command {
	var primary bool
	var order int

	cmd := &cobra.Command{
		Use:   "link <image-id> <kind/id>",
		Short: "Attach an image to an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			imageID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid image ID: %w", err)
			}
			entity, err := simpleimage.ParseEntityPath(args[1])
			if err != nil {
				return err
			}
			req := simpleimage.LinkImageRequest{ImageID: imageID, Entity: entity, Primary: primary}
			if cmd.Flags().Changed("order") {
				req.Order = &order
			}
			return withComponents(cmd, func(ctx context.Context, comp *config.Components) error {
				link, err := comp.Service.LinkImage(ctx, req)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), link)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Link %s: %s -> %s (primary: %t)\n", link.ID, link.ImageID, link.Entity, link.IsPrimary)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&primary, "primary", false, "make this the entity's primary image")
	cmd.Flags().IntVar(&order, "order", 0, "display order within the entity")

	return cmd
}

// NewUnlinkCommand creates the unlink command
func NewUnlinkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <link-id>",
		Short: "Detach an image from an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid link ID: %w", err)
			}
			return withComponents(cmd, func(ctx context.Context, comp *config.Components) error {
				if err := comp.Service.Unlink(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unlinked %s\n", id)
				return nil
			})
		},
	}
}

// NewImagesCommand creates the images command
func NewImagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "images <kind/id>",
		Short: "List the images linked to an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := simpleimage.ParseEntityPath(args[0])
			if err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, comp *config.Components) error {
				images, err := comp.Service.ImagesFor(ctx, entity)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), images)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "LINK\tIMAGE\tPRIMARY\tORDER\tFILE\n")
				for _, img := range images {
					order := "-"
					if img.Order != nil {
						order = fmt.Sprint(*img.Order)
					}
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", img.LinkID, img.ID, img.IsPrimary, order, img.FileName)
				}
				return w.Flush()
			})
		},
	}
}

// NewPrimaryCommand creates the primary command
func NewPrimaryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "primary <kind/id>",
		Short: "Show an entity's primary image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := simpleimage.ParseEntityPath(args[0])
			if err != nil {
				return err
			}
			return withComponents(cmd, func(ctx context.Context, comp *config.Components) error {
				img, err := comp.Service.PrimaryImageFor(ctx, entity)
				if err != nil {
					return err
				}
				if img == nil {
					return errors.New("no primary image for " + entity.String())
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), img)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", img.ID, img.Responsive().Src)
				return nil
			})
		},
	}
}

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema and tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.WithEnv(), config.WithAutoMigrate(true))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cfg.DatabaseType != "postgres" {
				return fmt.Errorf("migrate requires a postgres DATABASE_URL, got %s", cfg.DatabaseType)
			}
			if err := config.PingPostgres(cmd.Context(), cfg.DatabaseURL, cfg.DBSchema); err != nil {
				return err
			}
			comp, err := cfg.Build(cmd.Context(), nil, nil)
			if err != nil {
				return err
			}
			defer comp.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Schema %q is up to date\n", cfg.DBSchema)
			return nil
		},
	}
}
