//go:build ignore

// build.go - stockpulse build script
// Usage: go run build.go [-target=TARGET] [-v]
// Targets: build, test, release, clean

package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	module = "stockpulse"
	binary = "stockpulse"
)

var (
	rootDir string
	distDir string

	// GOOS/GOARCH pairs built by the release target
	releaseTargets = [][2]string{
		{"linux", "amd64"},
		{"linux", "arm64"},
		{"darwin", "arm64"},
		{"windows", "amd64"},
	}

	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorBlue  = "\033[34m"
	colorCyan  = "\033[36m"
)

func init() {
	cwd, err := os.Getwd()
	if err != nil {
		panic(fmt.Sprintf("Failed to get current directory: %v", err))
	}
	rootDir = cwd
	distDir = filepath.Join(rootDir, "dist")

	if _, err := os.Stat(filepath.Join(rootDir, "go.mod")); os.IsNotExist(err) {
		panic(fmt.Sprintf("go.mod not found in %s, run from the repository root", rootDir))
	}
}

func main() {
	target := flag.String("target", "build", "Build target")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	printHeader()
	startTime := time.Now()

	var err error
	switch *target {
	case "build":
		err = buildBinary(runtime.GOOS, runtime.GOARCH, *verbose)
	case "test":
		err = runTests(*verbose)
	case "release":
		err = buildRelease(*verbose)
	case "clean":
		err = os.RemoveAll(distDir)
	default:
		showHelp()
		os.Exit(1)
	}
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	printSuccess(fmt.Sprintf("%s completed in %s", *target, time.Since(startTime).Round(time.Millisecond)))
}

func printHeader() {
	fmt.Println(colorCyan + "===========================================" + colorReset)
	fmt.Println(colorCyan + "        stockpulse - Build System          " + colorReset)
	fmt.Println(colorCyan + "===========================================" + colorReset)
	fmt.Println()
}

func printInfo(msg string) {
	fmt.Printf("%s[INFO]%s %s\n", colorBlue, colorReset, msg)
}

func printSuccess(msg string) {
	fmt.Printf("%s[SUCCESS]%s %s\n", colorGreen, colorReset, msg)
}

func printError(msg string) {
	fmt.Printf("%s[ERROR]%s %s\n", colorRed, colorReset, msg)
}

// ldflags stamps build time and commit into pkg/contracts
func ldflags() string {
	commit := "unknown"
	if out, err := exec.Command("git", "rev-parse", "--short", "HEAD").Output(); err == nil {
		commit = strings.TrimSpace(string(out))
	}
	return fmt.Sprintf("-s -w -X %s/pkg/contracts.BuildTime=%s -X %s/pkg/contracts.GitCommit=%s",
		module, time.Now().UTC().Format(time.RFC3339), module, commit)
}

func buildBinary(goos, goarch string, verbose bool) error {
	name := binary
	if goos == "windows" {
		name += ".exe"
	}
	outputPath := filepath.Join(distDir, goos+"-"+goarch, name)
	printInfo(fmt.Sprintf("Building %s for %s/%s...", binary, goos, goarch))

	args := []string{"build", "-ldflags", ldflags(), "-o", outputPath, "./cmd/" + binary}
	if verbose {
		args = append([]string{"build", "-v"}, args[1:]...)
	}

	cmd := exec.Command("go", args...)
	cmd.Dir = rootDir
	// go-sqlite3 needs cgo, so cross builds need a matching C toolchain
	cmd.Env = append(os.Environ(), "GOOS="+goos, "GOARCH="+goarch)
	if verbose {
		fmt.Printf("Running: go %s\n", strings.Join(args, " "))
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build %s/%s: %w", goos, goarch, err)
	}

	if info, err := os.Stat(outputPath); err == nil {
		printSuccess(fmt.Sprintf("Built %s (%.1f MB)", outputPath, float64(info.Size())/1024/1024))
	}
	return nil
}

func buildRelease(verbose bool) error {
	if err := os.RemoveAll(distDir); err != nil {
		return err
	}
	var failed []string
	for _, t := range releaseTargets {
		if err := buildBinary(t[0], t[1], verbose); err != nil {
			printError(err.Error())
			failed = append(failed, t[0]+"/"+t[1])
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("release failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func runTests(verbose bool) error {
	printInfo("Running Go tests...")
	args := []string{"test", "-race"}
	if verbose {
		args = append(args, "-v")
	}
	args = append(args, "./...")

	cmd := exec.Command("go", args...)
	cmd.Dir = rootDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go tests failed: %w", err)
	}
	return nil
}

func showHelp() {
	fmt.Println("Usage: go run build.go [-target=TARGET] [-v]")
	fmt.Println()
	fmt.Println("Targets:")
	fmt.Println("  build    Build stockpulse for this platform into dist/")
	fmt.Println("  test     Run all Go tests with the race detector")
	fmt.Println("  release  Build stockpulse for every release platform")
	fmt.Println("  clean    Remove dist/")
}
