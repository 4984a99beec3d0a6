package registry

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"ddreport/pkg/contract"
	"ddreport/plugins/batcher/fixed"
	ant "ddreport/plugins/llmclient/anthropic"
	gmi "ddreport/plugins/llmclient/gemini"
	"ddreport/plugins/llmclient/mock"
	oai "ddreport/plugins/llmclient/openai"
	rfs "ddreport/plugins/reader/filesystem"
	wfs "ddreport/plugins/writer/filesystem"
)

// Decode: 使用 KnownFields 严格解码 YAML 节点，拒绝未知字段。
// nil 或空节点保持零值（默认选项）。
func Decode(node *yaml.Node, v any) error {
	if node == nil || node.IsZero() {
		return nil
	}
	// 显式 null 视为未提供
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	b, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrInvalidInput, err)
	}
	return nil
}

// NewGateway 工厂签名：接收原样 YAML Options。
type NewGateway func(node *yaml.Node) (contract.CompletionGateway, error)

// NewBatcher 工厂签名。
type NewBatcher func(node *yaml.Node) (*fixed.Batcher, error)

// NewReader 工厂签名。
type NewReader func(node *yaml.Node) (contract.Reader, error)

// NewWriter 工厂签名。Writer 需同时提供报告写出能力。
type NewWriter func(node *yaml.Node) (*wfs.FS, error)

// Gateway 完成服务工厂注册表（显式、零反射）。
var Gateway = map[string]NewGateway{
	// openai: OpenAI 兼容 chat completions（含 OpenRouter）
	"openai": func(node *yaml.Node) (contract.CompletionGateway, error) {
		var o oai.Options
		if err := Decode(node, &o); err != nil {
			return nil, err
		}
		c, err := oai.New(&o)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	"gemini": func(node *yaml.Node) (contract.CompletionGateway, error) {
		var o gmi.Options
		if err := Decode(node, &o); err != nil {
			return nil, err
		}
		c, err := gmi.New(&o)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	"anthropic": func(node *yaml.Node) (contract.CompletionGateway, error) {
		var o ant.Options
		if err := Decode(node, &o); err != nil {
			return nil, err
		}
		c, err := ant.New(&o)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	// mock: 离线联调
	"mock": func(node *yaml.Node) (contract.CompletionGateway, error) {
		var o mock.Options
		if err := Decode(node, &o); err != nil {
			return nil, err
		}
		c, err := mock.New(&o)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
}

// Batcher 工厂注册表。
var Batcher = map[string]NewBatcher{
	// fixed: 固定大小连续分批
	"fixed": func(node *yaml.Node) (*fixed.Batcher, error) {
		var o fixed.Options
		if err := Decode(node, &o); err != nil {
			return nil, err
		}
		return fixed.New(&o), nil
	},
}

// Reader 工厂注册表。
var Reader = map[string]NewReader{
	// fs: 本地文件/目录
	"fs": func(node *yaml.Node) (contract.Reader, error) {
		var o rfs.Options
		if err := Decode(node, &o); err != nil {
			return nil, err
		}
		return rfs.New(&o), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（原子替换可配置）
	"fs": func(node *yaml.Node) (*wfs.FS, error) {
		var o wfs.Options
		if err := Decode(node, &o); err != nil {
			return nil, err
		}
		return wfs.New(&o)
	},
}

// GatewayNames 返回已注册的完成服务名（有序）。
func GatewayNames() []string {
	out := make([]string, 0, len(Gateway))
	for k := range Gateway {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
