package vendorsync

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelMap 机柜型号 -> 仓位数。目录同步创建未知机柜时按型号预建仓位。
type ModelMap map[string]int

// DefaultModelMap 内置常见型号表，配置缺失时使用
func DefaultModelMap() ModelMap {
	return ModelMap{
		"CAB-6":  6,
		"CAB-8":  8,
		"CAB-12": 12,
		"CAB-24": 24,
	}
}

// LoadModelMap 从 YAML 文件加载型号表。
// 文件格式：顶层 models 映射，如 models: {CAB-6: 6, CAB-12: 12}
func LoadModelMap(path string) (ModelMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model map: %w", err)
	}
	var doc struct {
		Models map[string]int `yaml:"models"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse model map: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("model map %s has no models", path)
	}
	for model, n := range doc.Models {
		if n <= 0 || n > 99 {
			return nil, fmt.Errorf("model %s has invalid slot count %d", model, n)
		}
	}
	return doc.Models, nil
}

// SlotCount 查询型号的仓位数；未知型号返回 0
func (m ModelMap) SlotCount(model string) int {
	if m == nil {
		return 0
	}
	return m[model]
}
