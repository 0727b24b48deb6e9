package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"

	"github.com/t7a/datastep"
	"github.com/t7a/datastep/config"
	"github.com/t7a/datastep/datapkg"
	"github.com/t7a/datastep/manifest"
	"github.com/t7a/datastep/scaffold"
)

func init() {
	log.SetLevel(log.WarnLevel)
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	logrus.SetReportCaller(true)
	formatter := &logrus.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	logrus.SetFormatter(formatter)
}

// caller formats the log caller as `/path/to/file.go:line gid N`,
// relative to the working directory.
func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		p, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d gid %d", strings.TrimPrefix(f.File, p), f.Line, datastep.GetGID())
	}
}

type Opts struct {
	MakeStep     bool   `docopt:"make-step"`
	Validate     bool   `docopt:"validate"`
	Package      bool   `docopt:"package"`
	InitRegistry bool   `docopt:"init-registry"`
	Ls           bool   `docopt:"ls"`
	Fetch        bool   `docopt:"fetch"`
	History      bool   `docopt:"history"`
	Verify       bool   `docopt:"verify"`
	Config       bool   `docopt:"config"`
	Name         string `docopt:"<name>"`
	Manifest     string `docopt:"<manifest>"`
	Root         string `docopt:"<root>"`
	Dest         string `docopt:"<dest>"`
	RepoRoot     string `docopt:"-r"`
	PathCols     string `docopt:"-p"`
	MetaCols     string `docopt:"-m"`
	Out          string `docopt:"-o"`
	Message      string `docopt:"-M"`
	ConfigFile   string `docopt:"-c"`
	TopHash      string `docopt:"-t"`
	Workers      string `docopt:"-w"`
	Version      bool   `docopt:"--version"`
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {

	usage := `datastep

Usage:
  datastep make-step [-r <dir>] <name>
  datastep validate [-p <cols>] [-m <cols>] [-w <n>] <manifest>
  datastep package [-p <cols>] [-m <cols>] [-M <msg>] [-o <out>] [-c <file>] <manifest> <root> <name>
  datastep init-registry [-c <file>]
  datastep ls [-c <file>] [<name>]
  datastep fetch [-t <hash>] [-c <file>] <name> <dest>
  datastep history [-c <file>] <name>
  datastep verify [-t <hash>] [-c <file>] <name>
  datastep config [-c <file>]
  datastep -h | --help
  datastep --version

Options:
  -h --help     Show this screen.
  --version     Show version.
  -r <dir>      Repository root holding the steps directory [default: .]
  -p <cols>     Path columns, space separated and shell quoted [default: filepath]
  -m <cols>     Metadata columns, space separated and shell quoted [default: ]
  -w <n>        Validation workers, 0 for one per CPU [default: 0]
  -M <msg>      Revision message [default: ]
  -o <out>      Write the manifest with logical keys to this file.
  -c <file>     Config file; overrides STEP_CONFIG and ./step_config.json.
  -t <hash>     Revision to fetch or verify instead of the latest.
`
	parser := &docopt.Parser{OptionsFirst: false, HelpHandler: docopt.PrintHelpOnly}
	o, err := parser.ParseArgs(usage, os.Args[1:], datastep.Version)
	if err != nil {
		log.Error(err)
		return 22
	}
	var opts Opts
	err = o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return 22
	}
	log.Debug(opts)

	ctx := context.Background()

	switch true {
	case opts.MakeStep:
		err = makeStep(opts.RepoRoot, opts.Name)
	case opts.Validate:
		err = validate(ctx, opts)
	case opts.Package:
		err = pack(ctx, opts)
	case opts.InitRegistry:
		err = initRegistry(opts.ConfigFile)
	case opts.Ls:
		err = ls(opts.ConfigFile, opts.Name)
	case opts.Fetch:
		err = fetch(ctx, opts)
	case opts.History:
		err = history(opts.ConfigFile, opts.Name)
	case opts.Verify:
		err = verify(ctx, opts)
	case opts.Config:
		err = showConfig(opts.ConfigFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "datastep: %v\n", err)
		return 42
	}
	return 0
}

func columns(s string) (cols []string, err error) {
	cols, err = shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("bad column list %q: %v", s, err)
	}
	return
}

func loadConfig(fn string) (*config.Config, error) {
	return config.Load(config.Override{Path: fn})
}

func openRegistry(fn string) (reg *datapkg.Registry, err error) {
	cfg, err := loadConfig(fn)
	if err != nil {
		return
	}
	dir, err := cfg.RegistryDir()
	if err != nil {
		return
	}
	return datapkg.OpenRegistry(dir)
}

func makeStep(root, name string) (err error) {
	dir, err := scaffold.MakeStep(root, name)
	if err != nil {
		return
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return
	}
	rel, err := filepath.Rel(abs, dir)
	if err != nil {
		rel = dir
	}
	fmt.Printf("generated %s\n", filepath.ToSlash(rel))
	return
}

// loadManifest reads a manifest and makes its relative path cells
// relative to the manifest's own directory.
func loadManifest(fn string, pathCols []string) (m *manifest.Manifest, err error) {
	m, err = manifest.Load(fn, pathCols...)
	if err != nil {
		return
	}
	return manifest.Rel2Abs(m, pathCols, filepath.Dir(fn))
}

func validate(ctx context.Context, opts Opts) (err error) {
	pathCols, err := columns(opts.PathCols)
	if err != nil {
		return
	}
	metaCols, err := columns(opts.MetaCols)
	if err != nil {
		return
	}
	workers, err := strconv.Atoi(opts.Workers)
	if err != nil {
		return fmt.Errorf("bad worker count %q", opts.Workers)
	}
	m, err := loadManifest(opts.Manifest, pathCols)
	if err != nil {
		return
	}
	var vopts []manifest.Option
	if workers > 0 {
		vopts = append(vopts, manifest.WithWorkers(workers))
	}
	_, err = manifest.Validate(ctx, m, pathCols, metaCols, vopts...)
	if err != nil {
		return
	}
	fmt.Printf("ok %d rows\n", m.Len())
	return
}

func pack(ctx context.Context, opts Opts) (err error) {
	pathCols, err := columns(opts.PathCols)
	if err != nil {
		return
	}
	metaCols, err := columns(opts.MetaCols)
	if err != nil {
		return
	}
	m, err := loadManifest(opts.Manifest, pathCols)
	if err != nil {
		return
	}
	m, err = manifest.Validate(ctx, m, pathCols, metaCols)
	if err != nil {
		return
	}
	b := &datapkg.Builder{Root: opts.Root, PathColumns: pathCols, MetadataColumns: metaCols}
	pkg, rel, err := b.Build(m)
	if err != nil {
		return
	}
	if opts.Out != "" {
		err = rel.Save(opts.Out)
		if err != nil {
			return
		}
	}
	reg, err := openRegistry(opts.ConfigFile)
	if err != nil {
		return
	}
	top, err := reg.Push(ctx, pkg, opts.Name, opts.Message)
	if err != nil {
		return
	}
	log.Infof("%s is now %s", opts.Name, top)

	var lists []string
	for col, reduced := range b.Reduction() {
		if !reduced {
			lists = append(lists, col)
		}
	}
	sort.Strings(lists)
	fmt.Printf("pushed %s %d entries\n", opts.Name, pkg.Len())
	if len(lists) > 0 {
		fmt.Printf("list-valued %s\n", strings.Join(lists, " "))
	}
	return
}

func initRegistry(configFile string) (err error) {
	reg, err := openRegistry(configFile)
	if err != nil {
		return
	}
	log.Infof("registry at %s", reg.Db.Dir)
	fmt.Println("initialized registry")
	return
}

func ls(configFile, name string) (err error) {
	reg, err := openRegistry(configFile)
	if err != nil {
		return
	}
	if name == "" {
		names, err := reg.Names()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	}
	pkg, err := reg.Browse(name, "")
	if err != nil {
		return
	}
	return pkg.Walk(func(key string, e *datapkg.Entry) error {
		fmt.Printf("%s %d\n", key, e.Size)
		return nil
	})
}

func fetch(ctx context.Context, opts Opts) (err error) {
	reg, err := openRegistry(opts.ConfigFile)
	if err != nil {
		return
	}
	pkg, err := reg.Browse(opts.Name, opts.TopHash)
	if err != nil {
		return
	}
	out, err := reg.Fetch(ctx, pkg, opts.Dest)
	if err != nil {
		return
	}
	fmt.Printf("fetched %d files\n", out.Len())
	return
}

func history(configFile, name string) (err error) {
	reg, err := openRegistry(configFile)
	if err != nil {
		return
	}
	revs, err := reg.History(name)
	if err != nil {
		return
	}
	for _, rev := range revs {
		fmt.Printf("%s %d %s\n", rev.TopHash, len(rev.Entries), rev.Message)
	}
	return
}

func verify(ctx context.Context, opts Opts) (err error) {
	reg, err := openRegistry(opts.ConfigFile)
	if err != nil {
		return
	}
	corrupt, err := reg.Verify(ctx, opts.Name, opts.TopHash)
	if err != nil {
		return
	}
	for _, key := range corrupt {
		fmt.Printf("corrupt %s\n", key)
	}
	if len(corrupt) > 0 {
		return fmt.Errorf("%s: %d corrupt entries", opts.Name, len(corrupt))
	}
	fmt.Printf("verified %s\n", opts.Name)
	return
}

func showConfig(configFile string) (err error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return
	}
	buf, err := json.MarshalIndent(cfg.Map(), "", "  ")
	if err != nil {
		return
	}
	fmt.Printf("source %s\n", cfg.Source())
	fmt.Println(string(buf))
	return
}
