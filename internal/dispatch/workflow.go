// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"encoding/json"
	"strings"

	"rpa-platform/pkg/errors"
)

// Document 工作流交换格式。编排器只做结构校验，节点语义由 robot 端执行引擎解释，
// 入队后整个文档按不透明字节存放。
type Document struct {
	Name        string       `json:"name,omitempty"`
	Metadata    Metadata     `json:"metadata,omitempty"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// Metadata 工作流自带的路由默认值；提交参数未显式给出时生效
type Metadata struct {
	Environment          string   `json:"environment,omitempty"`
	Priority             string   `json:"priority,omitempty"`
	MaxRetries           *int     `json:"max_retries,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

type Node struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Position Position        `json:"position"`
	Config   json.RawMessage `json:"config,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Connection struct {
	FromNode string `json:"from_node"`
	FromPort string `json:"from_port"`
	ToNode   string `json:"to_node"`
	ToPort   string `json:"to_port"`
}

// StartNodeType 每个工作流必须恰好有一个入口节点
const StartNodeType = "Start"

// 端口类型按名字前缀推导：flow* 控制流，data* 数据流，其余未定型（与任意端口兼容）
func portType(port string) string {
	switch {
	case strings.HasPrefix(port, "flow"):
		return "flow"
	case strings.HasPrefix(port, "data"):
		return "data"
	}
	return ""
}

func portsCompatible(from, to string) bool {
	ft, tt := portType(from), portType(to)
	return ft == "" || tt == "" || ft == tt
}

// ParseDocument 反序列化并做结构校验；任何问题返回 invalid_argument
func ParseDocument(payload []byte) (*Document, error) {
	if len(payload) == 0 {
		return nil, errors.E(errors.KindInvalidArgument, "workflow payload 不能为空")
	}
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, errors.WrapKind(errors.KindInvalidArgument, err, "workflow 不是合法 JSON")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate 结构校验：恰好一个 Start、节点 id 唯一、连接端点存在、端口类型兼容、无环
func (d *Document) Validate() error {
	if len(d.Nodes) == 0 {
		return errors.E(errors.KindInvalidArgument, "workflow 没有节点")
	}
	ids := make(map[string]bool, len(d.Nodes))
	starts := 0
	for _, n := range d.Nodes {
		if n.ID == "" {
			return errors.E(errors.KindInvalidArgument, "节点缺少 id")
		}
		if ids[n.ID] {
			return errors.Ef(errors.KindInvalidArgument, "节点 id %q 重复", n.ID)
		}
		ids[n.ID] = true
		if n.Type == StartNodeType {
			starts++
		}
	}
	if starts != 1 {
		return errors.Ef(errors.KindInvalidArgument, "workflow 必须恰好有一个 Start 节点, 实际 %d 个", starts)
	}

	adj := make(map[string][]string)
	for _, c := range d.Connections {
		if !ids[c.FromNode] {
			return errors.Ef(errors.KindInvalidArgument, "连接引用了不存在的节点 %q", c.FromNode)
		}
		if !ids[c.ToNode] {
			return errors.Ef(errors.KindInvalidArgument, "连接引用了不存在的节点 %q", c.ToNode)
		}
		if !portsCompatible(c.FromPort, c.ToPort) {
			return errors.Ef(errors.KindInvalidArgument, "端口类型不兼容: %s.%s → %s.%s", c.FromNode, c.FromPort, c.ToNode, c.ToPort)
		}
		adj[c.FromNode] = append(adj[c.FromNode], c.ToNode)
	}
	return d.checkAcyclic(adj)
}

// checkAcyclic 三色 DFS；灰色节点再次入栈即成环
func (d *Document) checkAcyclic(adj map[string][]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Nodes))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return errors.Ef(errors.KindInvalidArgument, "workflow 存在环, 经过节点 %q", next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, n := range d.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
