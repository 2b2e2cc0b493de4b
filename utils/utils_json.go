package utils

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// 读取json配置文件
func ReadJsonFile[T any](filePath string) (T, error) {

	var result T

	// 读取文件
	data, err := os.ReadFile(filePath)
	if err != nil {
		return result, err
	}

	// 反序列化
	if err = json.Unmarshal(data, &result); err != nil {
		return result, err
	}

	return result, nil
}

// MarshalJson 和 WriteJsonFile 写入文件的内容完全一致
func MarshalJson[T any](obj T) ([]byte, error) {
	return json.MarshalIndent(obj, "", "  ")
}

// 写入json配置文件，先写临时文件再重命名，避免写到一半被读取
func WriteJsonFile[T any](filePath string, obj T) error {
	// 序列化为json，带缩进
	data, err := MarshalJson(obj)
	if err != nil {
		return err
	}

	if err = os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}

	// 写入文件，权限设置为0644
	tmp := filePath + ".tmp"
	if err = os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err = os.Rename(tmp, filePath); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return nil
}
