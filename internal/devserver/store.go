package devserver

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"tempmail/client/internal/domain"
)

var (
	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrExtensionLimit  = errors.New("mailbox extension limit reached")
)

// Store 使用内存保存邮箱与邮件数据，供开发服务器使用。
type Store struct {
	mu        sync.RWMutex
	mailboxes map[string]*domain.Mailbox
	byAddress map[string]string
	messages  map[string]map[string]*domain.Message // mailboxID -> messageID -> message
}

// NewStore 创建内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes: make(map[string]*domain.Mailbox),
		byAddress: make(map[string]string),
		messages:  make(map[string]map[string]*domain.Message),
	}
}

// SaveMailbox 保存邮箱信息。
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mailboxes[mailbox.ID] = mailbox
	s.byAddress[strings.ToLower(mailbox.Address)] = mailbox.ID
}

// GetMailbox 根据 ID 获取邮箱快照。过期的邮箱视同不存在并顺手删除。
//
// 返回的是副本，调用方的修改不会写回存储。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	mailbox, ok := s.mailboxes[id]
	var snapshot domain.Mailbox
	if ok {
		snapshot = *mailbox
	}
	s.mu.RUnlock()
	if !ok {
		return nil, ErrMailboxNotFound
	}
	if snapshot.Expired(time.Now()) {
		_ = s.DeleteMailbox(id)
		return nil, ErrMailboxNotFound
	}
	return &snapshot, nil
}

// Touch 更新邮箱的最后访问时间。
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mailbox, ok := s.mailboxes[id]; ok {
		mailbox.LastAccessAt = time.Now()
	}
}

// ExtendMailbox 在锁内延长邮箱有效期并递增续期计数，返回更新后的快照。
// 超过 maxExtensions 返回 ErrExtensionLimit。
func (s *Store) ExtendMailbox(id string, ttl time.Duration, maxExtensions int) (*domain.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok || mailbox.Expired(time.Now()) {
		return nil, ErrMailboxNotFound
	}
	if mailbox.ExtensionCount >= maxExtensions {
		return nil, ErrExtensionLimit
	}

	expiresAt := mailbox.ExpiresAt.Add(ttl)
	mailbox.ExpiresAt = &expiresAt
	mailbox.ExtensionCount++
	mailbox.LastAccessAt = time.Now()

	snapshot := *mailbox
	return &snapshot, nil
}

// GetMailboxByAddress 根据完整地址获取邮箱。
func (s *Store) GetMailboxByAddress(address string) (*domain.Mailbox, error) {
	s.mu.RLock()
	id, ok := s.byAddress[strings.ToLower(address)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrMailboxNotFound
	}
	return s.GetMailbox(id)
}

// DeleteMailbox 删除邮箱及其全部邮件。
func (s *Store) DeleteMailbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return ErrMailboxNotFound
	}
	delete(s.mailboxes, id)
	delete(s.byAddress, strings.ToLower(mailbox.Address))
	delete(s.messages, id)
	return nil
}

// ExpiredMailboxes 返回给定时刻已过期的邮箱快照。
func (s *Store) ExpiredMailboxes(now time.Time) []domain.Mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Mailbox
	for _, mb := range s.mailboxes {
		if mb.Expired(now) {
			out = append(out, *mb)
		}
	}
	return out
}

// ExpiringMailboxes 返回将在 window 内过期（但尚未过期）的邮箱快照。
func (s *Store) ExpiringMailboxes(now time.Time, window time.Duration) []domain.Mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Mailbox
	for _, mb := range s.mailboxes {
		if mb.ExpiresAt == nil || mb.Expired(now) {
			continue
		}
		if mb.ExpiresAt.Sub(now) <= window {
			out = append(out, *mb)
		}
	}
	return out
}

// SaveMessage 保存邮件。
func (s *Store) SaveMessage(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[message.MailboxID]; !ok {
		return ErrMailboxNotFound
	}
	if s.messages[message.MailboxID] == nil {
		s.messages[message.MailboxID] = make(map[string]*domain.Message)
	}
	s.messages[message.MailboxID][message.ID] = message
	return nil
}

// ListMessages 返回邮箱内全部邮件，按接收时间倒序。
func (s *Store) ListMessages(mailboxID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.mailboxes[mailboxID]; !ok {
		return nil, ErrMailboxNotFound
	}

	out := make([]domain.Message, 0, len(s.messages[mailboxID]))
	for _, msg := range s.messages[mailboxID] {
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out, nil
}

// GetMessage 获取单封邮件快照。
func (s *Store) GetMessage(mailboxID, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[mailboxID][messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	snapshot := *msg
	return &snapshot, nil
}

// MarkMessageRead 更新邮件的已读标记，返回更新后的快照。
func (s *Store) MarkMessageRead(mailboxID, messageID string, isRead bool) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[mailboxID][messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	msg.IsRead = isRead
	snapshot := *msg
	return &snapshot, nil
}

// DeleteMessage 删除单封邮件。
func (s *Store) DeleteMessage(mailboxID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[mailboxID][messageID]; !ok {
		return ErrMessageNotFound
	}
	delete(s.messages[mailboxID], messageID)
	return nil
}

// ClearMessages 清空邮箱内全部邮件，返回删除数量。
func (s *Store) ClearMessages(mailboxID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[mailboxID]; !ok {
		return 0, ErrMailboxNotFound
	}
	n := len(s.messages[mailboxID])
	delete(s.messages, mailboxID)
	return n, nil
}
