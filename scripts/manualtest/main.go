// Command manualtest pushes a file to a running server, pulls it back with
// a forced resume and compares checksums.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jaywantadh/netshare/internal/transfer"
)

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func main() {
	server := flag.String("server", "http://localhost:5001", "server base URL")
	token := flag.String("token", "", "session token")
	inputPath := flag.String("file", filepath.Join("samples", "ABC.pdf"), "file to round-trip")
	flag.Parse()

	if _, err := os.Stat(*inputPath); err != nil {
		fmt.Printf("❌ Sample file not found: %v\n", err)
		return
	}

	origHash, err := sha256File(*inputPath)
	if err != nil {
		fmt.Printf("❌ Failed hashing original: %v\n", err)
		return
	}
	fmt.Printf("📄 Original file: %s\n", *inputPath)
	fmt.Printf("🔑 Original SHA256: %s\n", origHash)

	ctx := context.Background()
	client := transfer.NewClient(*server, *token)
	name := "manualtest-" + filepath.Base(*inputPath)

	result, err := client.UploadFile(ctx, *inputPath, name, transfer.UploadOptions{})
	if err != nil {
		fmt.Printf("❌ Upload failed: %v\n", err)
		return
	}
	fmt.Printf("⬆️  Uploaded as %s (%s) at %s\n", result.Filename, transfer.FormatBytes(result.Size), result.Speed)

	// Seed a partial download so the pull exercises the Range path.
	outDir := "roundtrip_manual"
	_ = os.MkdirAll(outDir, 0755)
	outPath := filepath.Join(outDir, filepath.Base(*inputPath))
	orig, err := os.ReadFile(*inputPath)
	if err != nil {
		fmt.Printf("❌ Failed reading original: %v\n", err)
		return
	}
	_ = os.Remove(outPath)
	if err := os.WriteFile(outPath+transfer.PartialSuffix, orig[:len(orig)/2], 0644); err != nil {
		fmt.Printf("❌ Failed seeding partial download: %v\n", err)
		return
	}

	n, err := client.DownloadFile(ctx, result.Filename, outPath)
	if err != nil {
		fmt.Printf("❌ Download failed: %v\n", err)
		return
	}
	fmt.Printf("⬇️  Downloaded %s to %s\n", transfer.FormatBytes(n), outPath)

	reHash, err := sha256File(outPath)
	if err != nil {
		fmt.Printf("❌ Failed hashing download: %v\n", err)
		return
	}
	fmt.Printf("🔑 Downloaded SHA256: %s\n", reHash)

	if reHash == origHash {
		fmt.Println("✅ SUCCESS: Downloaded file matches original")
	} else {
		fmt.Println("❌ MISMATCH: Downloaded file differs from original")
	}
}
