package contract

import (
	"context"
	"io"
	"path"
	"strings"
)

// 批量标注的 I/O 契约：Reader → Splitter → (Labeler) → Assembler → Writer。

// Reader 逐个给出提示词文件（文件、目录或 STDIN）。
// 约束：按文件回调，只交付字节流，内部不起并发；FileID 经 NormalizeFileID 规范化。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(fileID FileID, r io.ReadCloser) error) error
}

// Splitter 把一个文件切成待标注的提示词记录。
// 约束：
//  1. Index 从 0 连续递增，同一输入重复切分结果一致；
//  2. 文本只做 CRLF→LF 归一，标注偏移以此文本为准；
//  3. 不跨文件合并。
type Splitter interface {
	Split(ctx context.Context, fileID FileID, r io.Reader) ([]Record, error)
}

// Labeled 单条记录的标注结果；Err 非空表示该条失败，批处理继续。
type Labeled struct {
	Record Record
	Result LabelResult
	Err    error
}

// Assembler 把同一文件的结果按 Index 升序编码为一个输出工件。
type Assembler interface {
	Assemble(ctx context.Context, fileID FileID, items []Labeled) (io.Reader, error)
}

// ArtifactID 输出工件标识，与来源 FileID 同值。
type ArtifactID = FileID

// Writer 持久化输出工件。同一 ArtifactID 只有一个写者；失败直接返回，不重试。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}

// NormalizeFileID: 反斜杠转正斜杠并 Clean，保留相对/绝对语义。
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, `\`, "/")))
}
