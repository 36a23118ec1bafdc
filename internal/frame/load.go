package frame

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFrames 从 YAML 读取框架集合（未知字段报错）。
func LoadFrames(r io.Reader) (FrameSet, error) {
	var fs FrameSet
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fs); err != nil {
		return FrameSet{}, fmt.Errorf("frame: 解析词表失败: %w", err)
	}
	return fs, nil
}

// LoadFile 读取并构造 Disambiguator；path 为空时使用内置词表。
func LoadFile(path string) (*Disambiguator, error) {
	if path == "" {
		return New(DefaultFrames())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fs, err := LoadFrames(f)
	if err != nil {
		return nil, err
	}
	return New(fs)
}
