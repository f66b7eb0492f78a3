package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/aspert"
	"github.com/knights-analytics/aspert/backends"
	"github.com/knights-analytics/aspert/options"
	"github.com/knights-analytics/aspert/pipelines"
	"github.com/knights-analytics/aspert/util/fileutil"
)

var modelPath string
var inputPath string
var outputPath string
var backend string
var sharedLibraryPath string
var batchSize int
var workers int
var maxSpanSize int
var relationThreshold float64
var modelsDir string
var verbose bool

var modelFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "modelFolder",
		Usage:       "Folder where to store downloaded models. Falls back to $HOME/aspert/models if not specified",
		Aliases:     []string{"f"},
		Destination: &modelsDir,
	},
	&cli.BoolFlag{
		Name:        "verbose",
		Usage:       "Log at debug level",
		Aliases:     []string{"v"},
		Destination: &verbose,
	},
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Extract entities and relations from input data",
	Description: `Run expects a path to a file with input in .jsonl format. Each json line in the file must be of the format {"input": "input string"} to be processed.
				`,
	ArgsUsage: `
				--input: path to a .jsonl file or a folder with .jsonl files to process. If omitted, the input will be read from stdin.
				--output: path to a folder where to write the output. If omitted, the output will be sent to stdout.
				--model: model name or path to the model folder. The cli first uses the provided path. If the path does not exist, it looks for a model
				with this name in the model folder. Finally, it tries to download the model from Huggingface.
				--backend: GO (default) or ORT, the latter requires a build with -tags ORT.
				--onnxruntimeSharedLibrary: folder holding the onnxruntime library, ORT only.
				`,
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the model",
			Aliases:     []string{"p"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the input data",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Encoder backend, GO or ORT",
			Destination: &backend,
			Value:       "GO",
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Folder holding the onnxruntime library",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of inputs to process in a batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       pipelines.DefaultBatchSize,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "Chunks processed concurrently per batch, 0 for one per core",
			Aliases:     []string{"w"},
			Destination: &workers,
		},
		&cli.IntFlag{
			Name:        "maxSpanSize",
			Usage:       "Longest entity candidate in words, 0 keeps the model configuration",
			Destination: &maxSpanSize,
		},
		&cli.Float64Flag{
			Name:        "threshold",
			Usage:       "Relation score threshold, 0 keeps the model configuration",
			Destination: &relationThreshold,
		},
	}, modelFlags...),
	Action: func(ctx *cli.Context) (err error) {
		setupLogging(verbose)
		session, err := newSession()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		resolved, err := resolveModelPath(ctx.Context, modelPath, modelsDir)
		if err != nil {
			return err
		}
		config := aspert.ExtractionConfig{
			ModelPath: resolved,
			Name:      "cliPipeline",
			Options:   pipelineOptions(),
		}
		pipe, err := aspert.NewPipeline(session, config)
		if err != nil {
			return err
		}

		inputChannel := make(chan []input, 1000)
		processedChannel := make(chan []byte, 1000)
		errorsChannel := make(chan error, 1000)
		var processedWg, writeWg sync.WaitGroup

		processedWg.Add(1)
		go processWithPipeline(ctx.Context, &processedWg, inputChannel, processedChannel, errorsChannel, pipe)

		var writer io.WriteCloser = os.Stdout
		if outputPath != "" {
			writer, err = fileutil.NewFileWriter(ctx.Context, fileutil.PathJoinSafe(outputPath, "result-0.jsonl"))
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, writer.Close())
			}()
		}
		writeWg.Add(1)
		go writeOutputs(&writeWg, processedChannel, errorsChannel, writer, os.Stderr)

		readErr := readAll(ctx.Context, inputChannel)
		close(inputChannel)
		processedWg.Wait()
		close(processedChannel)
		close(errorsChannel)
		writeWg.Wait()
		if readErr != nil {
			return readErr
		}
		if verbose {
			session.LogStatistics()
		}
		return err
	},
}

var downloadCommand = &cli.Command{
	Name:      "download",
	Usage:     "Download a model from Huggingface",
	ArgsUsage: "<model name>",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "onnxFilePath",
			Usage: "Path of the .onnx file in the repository, when it holds more than one",
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "Huggingface access token",
			EnvVars: []string{"HF_TOKEN"},
		},
	}, modelFlags...),
	Action: func(ctx *cli.Context) error {
		setupLogging(verbose)
		if ctx.NArg() != 1 {
			return fmt.Errorf("download expects one model name, got %d arguments", ctx.NArg())
		}
		dir, err := defaultModelsDir(modelsDir)
		if err != nil {
			return err
		}
		downloadOptions := aspert.NewDownloadOptions()
		downloadOptions.OnnxFilePath = ctx.String("onnxFilePath")
		downloadOptions.AuthToken = ctx.String("token")
		downloadOptions.Verbose = verbose
		path, err := aspert.DownloadModel(ctx.Context, ctx.Args().First(), dir, downloadOptions)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(ctx.App.Writer, path)
		return err
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "aspert",
		Usage:    "Joint entity and relation extraction from the command line",
		Commands: []*cli.Command{runCommand, downloadCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("aspert failed")
	}
}

// setupLogging writes colored logs to a terminal and json lines otherwise. Logs go to
// stderr so they never mix with results on stdout.
func setupLogging(debugLevel bool) {
	level := log.InfoLevel
	if debugLevel {
		level = log.DebugLevel
	}
	logger := log.Logger{Level: level, Writer: &log.IOWriter{Writer: os.Stderr}}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logger.Writer = &log.ConsoleWriter{Writer: os.Stderr, ColorOutput: true}
	}
	log.DefaultLogger = logger
}

func newSession() (*aspert.Session, error) {
	opts := []options.WithOption{options.WithWorkers(workers)}
	switch backend {
	case "GO":
		return aspert.NewGoSession(opts...)
	case "ORT":
		if sharedLibraryPath != "" {
			opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
		}
		return aspert.NewORTSession(opts...)
	}
	return nil, fmt.Errorf("backend %s not recognized, use GO or ORT", backend)
}

func pipelineOptions() []aspert.ExtractionOption {
	opts := []aspert.ExtractionOption{pipelines.WithBatchSize(batchSize)}
	if maxSpanSize > 0 {
		opts = append(opts, pipelines.WithMaxSpanSize(maxSpanSize))
	}
	if relationThreshold > 0 {
		opts = append(opts, pipelines.WithRelationThreshold(float32(relationThreshold)))
	}
	return opts
}

func defaultModelsDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	userDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return fileutil.PathJoinSafe(userDir, "aspert", "models"), nil
}

// resolveModelPath looks for the model as a path, then as a previously downloaded model
// name in modelsDir, and finally downloads it.
func resolveModelPath(ctx context.Context, model, modelsDir string) (string, error) {
	ok, err := fileutil.FileExists(ctx, model)
	if err != nil {
		return "", err
	}
	if ok {
		return model, nil
	}
	dir, err := defaultModelsDir(modelsDir)
	if err != nil {
		return "", err
	}
	downloaded := fileutil.PathJoinSafe(dir, strings.ReplaceAll(model, "/", "_"))
	if ok, err = fileutil.FileExists(ctx, downloaded); err != nil {
		return "", err
	} else if ok {
		return downloaded, nil
	}
	if strings.Contains(model, ":") {
		return "", fmt.Errorf("filters with : are currently not supported")
	}
	if err = fileutil.CreateDir(ctx, dir); err != nil {
		return "", err
	}
	return aspert.DownloadModel(ctx, model, dir, aspert.NewDownloadOptions())
}

func readAll(ctx context.Context, inputChannel chan []input) error {
	if inputPath == "" {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			// there is something to process on stdin
			return readInputs(os.Stdin, inputChannel, batchSize)
		}
		return nil
	}
	exists, err := fileutil.FileExists(ctx, inputPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("file %s does not exist", inputPath)
	}
	if filepath.Ext(inputPath) == ".jsonl" {
		reader, openErr := fileutil.OpenFile(ctx, inputPath)
		if openErr != nil {
			return openErr
		}
		return errors.Join(readInputs(reader, inputChannel, batchSize), reader.Close())
	}
	return fileutil.Walk(ctx, inputPath, func(_ context.Context, _, _ string, info os.FileInfo, reader io.Reader) (bool, error) {
		if filepath.Ext(info.Name()) == ".jsonl" {
			if readErr := readInputs(reader, inputChannel, batchSize); readErr != nil {
				return false, readErr
			}
		}
		return true, nil
	})
}

func writeOutputs(wg *sync.WaitGroup, processedChannel chan []byte, errorChannel chan error, writeTarget io.Writer, errorTarget io.Writer) {
	defer wg.Done()
	for processedChannel != nil || errorChannel != nil {
		select {
		case output, ok := <-processedChannel:
			if !ok {
				processedChannel = nil
				continue
			}
			if _, err := writeTarget.Write(append(output, '\n')); err != nil {
				log.Error().Err(err).Msg("could not write output")
			}
		case err, ok := <-errorChannel:
			if !ok {
				errorChannel = nil
				continue
			}
			if _, writeErr := fmt.Fprintln(errorTarget, err.Error()); writeErr != nil {
				log.Error().Err(writeErr).Msg("could not write error")
			}
		}
	}
}

func processWithPipeline(ctx context.Context, wg *sync.WaitGroup, inputChannel chan []input, processedChannel chan []byte, errorsChannel chan error, p backends.Pipeline) {
	defer wg.Done()
	for inputBatch := range inputChannel {
		inputStrings := make([]string, len(inputBatch))
		for i := range inputBatch {
			inputStrings[i] = inputBatch[i].Input
		}
		output, err := p.Run(ctx, inputStrings)
		if err != nil {
			errorsChannel <- err
			continue
		}
		for i, batchOutput := range output.GetOutput() {
			out := inputBatch[i]
			out.Output = batchOutput
			outputBytes, marshallErr := jsoniter.Marshal(out)
			if marshallErr != nil {
				errorsChannel <- marshallErr
			} else {
				processedChannel <- outputBytes
			}
		}
	}
}

func readInputs(inputSource io.Reader, inputChannel chan []input, size int) error {
	inputBatch := make([]input, 0, size)
	scanner := bufio.NewScanner(inputSource)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(strings.TrimSpace(scanner.Text())) == 0 {
			continue
		}
		var line input
		if err := jsoniter.Unmarshal(scanner.Bytes(), &line); err != nil {
			return err
		}
		inputBatch = append(inputBatch, line)
		if len(inputBatch) == size {
			inputChannel <- inputBatch
			inputBatch = make([]input, 0, size)
		}
	}
	// flush
	if len(inputBatch) > 0 {
		inputChannel <- inputBatch
	}
	return scanner.Err()
}

type input struct {
	Input  string `json:"input"`
	Output any    `json:"output"`
}
