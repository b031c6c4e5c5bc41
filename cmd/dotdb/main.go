// Command dotdb imports alignments into dot-plot containers and
// inspects them.
package main

import (
	"flag"
	"fmt"
	"image/png"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/dotviz/dotdb"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: dotdb <command> [flags]

commands:
  import        build a container from a PAF alignment file
  info          print container header, contigs and section summary
  preview       render a density heatmap PNG from a container
  verify-merge  merge verification records from a TSV file

Environment defaults load from .env (DOTDB_LEVELS, DOTDB_BASE_RES).
`)
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("dotdb: ")
	if len(os.Args) < 2 {
		usage()
	}
	_ = godotenv.Load()

	var err error
	switch os.Args[1] {
	case "import":
		err = runImport(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	case "preview":
		err = runPreview(os.Args[2:])
	case "verify-merge":
		err = runVerifyMerge(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

func enableVerbose(verbose bool) {
	if verbose {
		dotdb.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
}

// parseAlignments picks the parser from the file name: MUMmer delta
// and show-coords output by their extensions, PAF otherwise.
func parseAlignments(path string) (*dotdb.ImportResult, error) {
	name := strings.TrimSuffix(path, ".gz")
	if strings.HasSuffix(name, ".delta") || strings.HasSuffix(name, ".coords") {
		return dotdb.ParseMUMmerFile(path)
	}
	return dotdb.ParsePAFFile(path)
}

// envInt reads an integer environment default, typically loaded from
// .env.
func envInt(name string, fallback int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return fallback
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	var (
		input   = fs.String("in", "", "input alignment file (.paf, .delta or .coords, optionally .gz)")
		output  = fs.String("o", "", "output container path")
		levels  = fs.Int("levels", envInt("DOTDB_LEVELS", 6), "pyramid levels")
		baseRes = fs.Int("base-res", envInt("DOTDB_BASE_RES", 512), "coarsest grid resolution")
		strict  = fs.Bool("strict", false, "abort on unrepresentable anchors instead of skipping")
		workers = fs.Int("workers", 0, "bin worker count (0 = GOMAXPROCS)")
		meta    = fs.String("meta", "", "build metadata string recorded in the header")
		verbose = fs.Bool("v", false, "verbose logging")
	)
	fs.Parse(args)
	enableVerbose(*verbose)
	if *input == "" || *output == "" {
		return fmt.Errorf("import: -in and -o are required")
	}

	parsed, err := parseAlignments(*input)
	if err != nil {
		return err
	}
	log.Printf("parsed %d anchors (%d query contigs, %d target contigs)",
		len(parsed.Anchors), len(parsed.QueryContigs), len(parsed.TargetContigs))

	containerMeta := &dotdb.Metadata{
		QueryContigs:  parsed.QueryContigs,
		TargetContigs: parsed.TargetContigs,
	}
	cfg := dotdb.PyramidConfig{
		Levels:         *levels,
		BaseResolution: uint32(*baseRes),
		Strict:         *strict,
		Workers:        *workers,
	}
	pyramid, err := dotdb.BuildPyramid(parsed.Anchors, containerMeta, cfg)
	if err != nil {
		return err
	}

	buildMeta := *meta
	if buildMeta == "" {
		buildMeta = "dotdb import " + *input
	}
	return dotdb.WriteContainer(*output, containerMeta, parsed.Anchors, pyramid, dotdb.WriteOptions{
		BuildMeta: buildMeta,
	})
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	var (
		path    = fs.String("f", "", "container path")
		verbose = fs.Bool("v", false, "verbose logging")
	)
	fs.Parse(args)
	enableVerbose(*verbose)
	if *path == "" {
		return fmt.Errorf("info: -f is required")
	}

	c, err := dotdb.OpenContainer(*path)
	if err != nil {
		return err
	}
	defer c.Close()

	h := c.Header()
	m := c.Metadata()
	fmt.Printf("container: %s\n", *path)
	fmt.Printf("  version:    %d\n", h.Version)
	fmt.Printf("  built:      %d\n", h.BuildTimestamp)
	if h.BuildMeta != "" {
		fmt.Printf("  build meta: %s\n", h.BuildMeta)
	}
	fmt.Printf("  query contigs:  %d (%d bp)\n", len(m.QueryContigs), m.QuerySpan())
	fmt.Printf("  target contigs: %d (%d bp)\n", len(m.TargetContigs), m.TargetSpan())
	fmt.Printf("  pyramid: %d levels, base resolution %d\n", len(m.TileLevels), m.TileBaseResolution)

	anchors, err := c.Anchors()
	if err != nil {
		return err
	}
	fmt.Printf("  anchors: %d\n", len(anchors))

	pyramid, err := c.Pyramid()
	if err != nil {
		return err
	}
	for _, lr := range pyramid.Levels {
		fmt.Printf("    level %d: %d cells\n", lr.Level, lr.Count)
	}

	// A corrupt verify section is reported without failing the rest.
	verify, err := c.Verify()
	if err != nil {
		fmt.Printf("  verify: unreadable (%v)\n", err)
	} else {
		fmt.Printf("  verify records: %d\n", len(verify))
	}
	return nil
}

func runPreview(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	var (
		path    = fs.String("f", "", "container path")
		output  = fs.String("o", "preview.png", "output PNG path")
		width   = fs.Int("width", 1024, "image width")
		height  = fs.Int("height", 1024, "image height")
		level   = fs.Int("level", -1, "pyramid level (-1 = auto)")
		verbose = fs.Bool("v", false, "verbose logging")
	)
	fs.Parse(args)
	enableVerbose(*verbose)
	if *path == "" {
		return fmt.Errorf("preview: -f is required")
	}

	c, err := dotdb.OpenContainer(*path)
	if err != nil {
		return err
	}
	defer c.Close()

	pyramid, err := c.Pyramid()
	if err != nil {
		return err
	}

	opts := dotdb.DefaultPreviewOptions()
	opts.Level = *level
	img := dotdb.RenderPreview(pyramid, *width, *height, opts)

	f, err := os.Create(*output)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return err
	}
	log.Printf("preview saved to %s (%dx%d)", *output, *width, *height)
	return nil
}

func runVerifyMerge(args []string) error {
	fs := flag.NewFlagSet("verify-merge", flag.ExitOnError)
	var (
		path    = fs.String("f", "", "container path")
		input   = fs.String("records", "", "TSV file: tileId meanIdentity ins del sub count")
		verbose = fs.Bool("v", false, "verbose logging")
	)
	fs.Parse(args)
	enableVerbose(*verbose)
	if *path == "" || *input == "" {
		return fmt.Errorf("verify-merge: -f and -records are required")
	}

	records, err := readVerifyTSV(*input)
	if err != nil {
		return err
	}

	c, err := dotdb.OpenContainer(*path)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.MergeVerify(records); err != nil {
		return err
	}
	log.Printf("merged %d verification records into %s", len(records), *path)
	return nil
}

func readVerifyTSV(path string) ([]dotdb.VerifyRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var records []dotdb.VerifyRecord
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 6 {
			return nil, fmt.Errorf("%s:%d: expected 6 fields, got %d", path, i+1, len(fields))
		}
		tileID, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad tile id %q", path, i+1, fields[0])
		}
		identity, err := strconv.ParseFloat(fields[1], 32)
		if err != nil || identity < 0 || identity > 1 {
			return nil, fmt.Errorf("%s:%d: bad identity %q", path, i+1, fields[1])
		}
		var counts [4]uint32
		for j := 0; j < 4; j++ {
			v, err := strconv.ParseUint(fields[2+j], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: bad count %q", path, i+1, fields[2+j])
			}
			counts[j] = uint32(v)
		}
		records = append(records, dotdb.VerifyRecord{
			TileID:        tileID,
			MeanIdentity:  float32(identity),
			Insertions:    counts[0],
			Deletions:     counts[1],
			Substitutions: counts[2],
			VerifiedCount: counts[3],
		})
	}
	return records, nil
}
