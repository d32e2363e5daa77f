package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"wemp/internal/config"

	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of the data directory and config",
		Long: `Creates a compressed .tar.gz archive with the config file under config/ and
the data directory (pairing state, menu payloads, session database, media)
under data/. The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			dataDir := config.Defaults().General.DataDir
			if cfg, err := config.Load(cfgPath); err == nil {
				dataDir = cfg.General.DataDir
			} else {
				logger.Warn("config not loaded, using default data dir", "path", cfgPath, "error", err)
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("wemp-backup-%s.tar.gz", ts))
			}

			var entries []archiveEntry
			if _, err := os.Stat(cfgPath); err == nil {
				entries = append(entries, archiveEntry{src: cfgPath, name: "config/" + filepath.Base(cfgPath)})
			}
			dataEntries, err := collectDir(dataDir, "data", outputPath)
			if err != nil {
				return fmt.Errorf("scan data dir: %w", err)
			}
			entries = append(entries, dataEntries...)

			if len(entries) == 0 {
				return fmt.Errorf("no files to backup (data: %s, config: %s)", dataDir, cfgPath)
			}

			size, err := createTarGz(outputPath, entries)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s (%s)\n", outputPath, humanSize(size))
			fmt.Printf("Files included: %d\n", len(entries))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.wemp/backups/wemp-backup-<timestamp>.tar.gz)")
	return cmd
}

// archiveEntry is a file and its name inside the archive.
type archiveEntry struct {
	src  string
	name string
}

// collectDir lists the regular files below dir, named prefix/<relative path>.
// skip is left out so a backup written into the data dir does not include itself.
func collectDir(dir, prefix, skip string) ([]archiveEntry, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	skipAbs, _ := filepath.Abs(skip)

	var out []archiveEntry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if abs, _ := filepath.Abs(p); abs == skipAbs {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, archiveEntry{src: p, name: path.Join(prefix, filepath.ToSlash(rel))})
		return nil
	})
	return out, err
}

// createTarGz writes entries into a .tar.gz archive and returns its size.
func createTarGz(outputPath string, entries []archiveEntry) (int64, error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return 0, fmt.Errorf("add %s: %w", e.src, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return 0, err
	}
	if err := gzWriter.Close(); err != nil {
		return 0, err
	}

	info, err := outFile.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	file, err := os.Open(e.src)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	// A live SQLite file may grow while it is copied; stop at the stat size.
	_, err = io.CopyN(tw, file, header.Size)
	return err
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
