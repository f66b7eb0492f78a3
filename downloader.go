//go:build !NODOWNLOAD

package aspert

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/knights-analytics/aspert/pipelines"
	"github.com/knights-analytics/aspert/util/fileutil"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken             string
	OnnxFilePath          string
	ExternalDataPath      string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// DownloadModel downloads a model from huggingface into destination and returns its local path.
// The repository must hold an .onnx encoder and tokenizer.json. The aspert config and the
// .npy head weights are downloaded too when present.
func DownloadModel(ctx context.Context, modelName string, destination string, options DownloadOptions) (string, error) {
	modelP := modelName
	if strings.Contains(modelP, ":") {
		modelP = strings.Split(modelName, ":")[0]
	}
	modelPath := path.Join(destination, strings.ReplaceAll(modelP, "/", "_"))

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	// make sure it's an onnx model with tokenizer
	downloadFiles, err := validateDownloadHfModel(ctx, repo, options)
	if err != nil {
		return "", err
	}

	for i := 0; i < options.MaxRetries; i++ {
		if err = ctx.Err(); err != nil {
			return "", err
		}
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			log.Warn().Err(downloadErr).Int("attempt", i+1).Int("max_retries", options.MaxRetries).
				Str("model", modelName).Msg("download attempt failed")
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			moveErr := fileutil.CopyFile(ctx, truePath, fileutil.PathJoinSafe(modelPath, localName(downloadFiles[j])))
			if moveErr != nil {
				return "", moveErr
			}
		}

		log.Info().Str("model", modelName).Str("path", modelPath).Msg("download completed")
		return modelPath, nil
	}

	return "", fmt.Errorf("failed to download %s after %d attempts", modelName, options.MaxRetries)
}

// localName keeps the weights folder and flattens everything else.
func localName(fileName string) string {
	dir := path.Base(path.Dir(fileName))
	if dir == pipelines.WeightsDirname {
		return path.Join(pipelines.WeightsDirname, path.Base(fileName))
	}
	return path.Base(fileName)
}

func isConfigFile(baseFileName string) bool {
	switch baseFileName {
	case "special_tokens_map.json", "tokenizer_config.json", "config.json", "vocab.txt",
		pipelines.ConfigFilename + ".json", pipelines.ConfigFilename + ".yaml", pipelines.ConfigFilename + ".yml":
		return true
	}
	return false
}

func validateDownloadHfModel(ctx context.Context, repo *hub.Repo, options DownloadOptions) ([]string, error) {
	for i := 0; i < options.MaxRetries; i++ {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Int("max_retries", options.MaxRetries).Msg("list repo attempt failed")
		if i+1 == options.MaxRetries {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		time.Sleep(time.Duration(options.RetryInterval) * time.Second)
	}

	tokenizerPath := ""
	onnxPath := ""
	var toDownload []string
	var allOnnx []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}

		baseFileName := filepath.Base(fileName)
		switch {
		case baseFileName == "tokenizer.json":
			tokenizerPath = fileName
		case isConfigFile(baseFileName):
			toDownload = append(toDownload, fileName)
		case filepath.Ext(baseFileName) == ".npy" && path.Base(path.Dir(fileName)) == pipelines.WeightsDirname:
			toDownload = append(toDownload, fileName)
		case filepath.Ext(baseFileName) == ".onnx":
			if options.OnnxFilePath != "" {
				if fileName == options.OnnxFilePath {
					onnxPath = fileName
				}
			} else {
				onnxPath = fileName
			}
			allOnnx = append(allOnnx, fileName)
		case options.ExternalDataPath != "" && fileName == options.ExternalDataPath:
			toDownload = append(toDownload, fileName)
		}
	}

	var errs []error
	if options.OnnxFilePath != "" {
		if onnxPath == "" {
			errs = append(errs, fmt.Errorf("model .onnx file not found at %s", options.OnnxFilePath))
		}
	} else {
		numModels := len(allOnnx)
		if numModels == 0 {
			errs = append(errs, errors.New("model does not have a .onnx file, the encoder must be exported to onnx"))
		} else if numModels > 1 {
			errs = append(errs, fmt.Errorf("model has multiple .onnx files, please specify one of the following onnxFilePaths: %s", strings.Join(allOnnx, " ")))
		}
	}
	if tokenizerPath == "" {
		errs = append(errs, errors.New("model does not have a tokenizer.json file"))
	}

	files := append(toDownload, onnxPath, tokenizerPath)
	return files, errors.Join(errs...)
}
