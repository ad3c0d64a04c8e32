package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ehr/console/internal/domain/onboarding"
)

func onboardCmd() *cobra.Command {
	var (
		draft     onboarding.Draft
		imagePath string
		fields    map[string]string
	)

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Create an internal user and attach a profile image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			if imagePath != "" {
				img, err := loadImage(imagePath)
				if err != nil {
					return err
				}
				draft.PendingImage = img
			}
			if len(fields) > 0 {
				draft.Fields = make(map[string]any, len(fields))
				for k, v := range fields {
					draft.Fields[k] = v
				}
			}
			if err := draft.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			d, err := openDeps(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer d.Close()

			client, err := newRemoteClient(cfg, logger)
			if err != nil {
				return err
			}
			exec := newExecutor(cfg, client, d, logger)

			out := cmd.OutOrStdout()
			res, err := exec.Submit(ctx, draft, func(phase onboarding.Phase, status string) {
				fmt.Fprintf(out, "[%s] %s\n", phase, status)
			})
			if res != nil {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
			}
			var createErr *onboarding.CreateError
			if errors.As(err, &createErr) {
				return fmt.Errorf("user was not created: %w", err)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&draft.Email, "email", "", "Email of the new user (required)")
	f.StringVar(&draft.FirstName, "first-name", "", "First name")
	f.StringVar(&draft.LastName, "last-name", "", "Last name")
	f.StringVar(&draft.Phone, "phone", "", "Phone number")
	f.StringVar(&draft.Role, "role", "", "Role")
	f.StringVar(&imagePath, "image", "", "Path to a profile image (png, jpeg, gif or webp)")
	f.StringToStringVar(&fields, "field", nil, "Additional form field as key=value (repeatable)")
	cmd.MarkFlagRequired("email")

	return cmd
}

// loadImage reads a profile image from disk and applies the same size and
// type limits as the HTTP form.
func loadImage(path string) (*onboarding.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if info.Size() > onboarding.MaxImageSize {
		return nil, fmt.Errorf("image exceeds %d bytes", onboarding.MaxImageSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	contentType := http.DetectContentType(data)
	if !onboarding.AllowedImageTypes[contentType] {
		return nil, fmt.Errorf("unsupported image type %q", contentType)
	}
	return &onboarding.Image{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Data:        data,
	}, nil
}
