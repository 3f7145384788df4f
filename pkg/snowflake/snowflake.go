package snowflake

import (
	"errors"

	sf "github.com/bwmarrin/snowflake"
)

var node *sf.Node

// Init 初始化雪花 ID 生成器，machineID 区分部署实例
func Init(machineID int64) error {
	n, err := sf.NewNode(machineID)
	if err != nil {
		return err
	}
	node = n
	return nil
}

// GetID 生成全局唯一的批次 ID
func GetID() (uint64, error) {
	if node == nil {
		return 0, errors.New("snowflake node not initialized")
	}
	return uint64(node.Generate().Int64()), nil
}
