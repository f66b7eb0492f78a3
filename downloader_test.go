//go:build !NODOWNLOAD

package aspert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDownloadFileNames(t *testing.T) {
	assert.Equal(t, "weights/rel_classifier1.weight.npy", localName("checkpoints/weights/rel_classifier1.weight.npy"))
	assert.Equal(t, "model.onnx", localName("onnx/model.onnx"))
	assert.Equal(t, "tokenizer.json", localName("tokenizer.json"))

	for _, name := range []string{"config.json", "aspert_config.json", "aspert_config.yaml", "vocab.txt"} {
		assert.True(t, isConfigFile(name), name)
	}
	assert.False(t, isConfigFile("README.md"))

	options := NewDownloadOptions()
	assert.Equal(t, "main", options.Branch)
	assert.Equal(t, 5, options.MaxRetries)
}
