package github

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DownloadRepository materializes a repository tree into destinationDir.
// GitHub serves tarballs with a single `<owner>-<repo>-<sha>/` top-level
// directory, which is stripped so the tree lands directly in the destination.
func DownloadRepository(ctx context.Context, owner string, repo string, revision *string, token *string, destinationDir string) error {
	url := "https://api.github.com/repos/" + owner + "/" + repo + "/tarball"
	if revision != nil {
		url += "/" + *revision
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != nil {
		req.Header.Add("Authorization", "Bearer "+*token)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("download tarball %q: unexpected status %d", url, res.StatusCode)
	}

	return untar(destinationDir, res.Body)
}

func untar(destinationDir string, tarSource io.Reader) error {
	gzr, err := gzip.NewReader(tarSource)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		_, stripped, found := strings.Cut(header.Name, "/")
		if !found || stripped == "" {
			continue
		}
		target := filepath.Join(destinationDir, stripped)

		switch header.Typeflag {
		case tar.TypeDir:
			err := os.MkdirAll(target, 0755)
			if err != nil {
				return err
			}

		case tar.TypeReg:
			err := os.MkdirAll(filepath.Dir(target), 0755)
			if err != nil {
				return err
			}

			file, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			_, err = io.Copy(file, tr)
			file.Close()
			if err != nil {
				return err
			}
		}
	}
}
