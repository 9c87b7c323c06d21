package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound 本地没有保存过会话
var ErrNotFound = errors.New("no stored session")

// credentials 持久化的两个字段：访问令牌与邮箱 ID。
type credentials struct {
	Token     string `json:"token"`
	MailboxID string `json:"mailboxId"`
}

// Store 把会话凭证保存在本地 JSON 文件中。
//
// 写入采用临时文件 + 重命名，避免中途崩溃留下半截文件。
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore 创建本地会话存储
//
// 参数:
//   - path: 会话文件路径，父目录不存在时自动创建
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("session file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Load 读取已保存的令牌与邮箱 ID。文件不存在返回 ErrNotFound。
func (s *Store) Load() (token, mailboxID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("read session file: %w", err)
	}

	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		// 文件损坏等同于没有会话，顺手清掉
		_ = os.Remove(s.path)
		return "", "", ErrNotFound
	}

	if creds.Token == "" || creds.MailboxID == "" {
		return "", "", ErrNotFound
	}

	return creds.Token, creds.MailboxID, nil
}

// Save 持久化令牌与邮箱 ID。
func (s *Store) Save(token, mailboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(credentials{Token: token, MailboxID: mailboxID})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit session file: %w", err)
	}

	return nil
}

// Clear 删除保存的会话。文件不存在不算错误。
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
