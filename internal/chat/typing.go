package chat

import (
	"context"
	"sort"
	"time"

	"github.com/rentora/internal/logger"
	"github.com/rentora/internal/model"
)

// handleTyping ведёт отображаемый набор "печатают": свой индикатор никогда не
// показывается; запись без подтверждения истекает через typingTTL, явное
// isTyping=false убирает её немедленно.
func (c *Controller) handleTyping(ev model.TypingEvent) {
	if ev.UserID == c.self().UserID {
		return
	}

	c.mu.Lock()
	if ev.ConversationID != c.openID {
		c.mu.Unlock()
		return
	}
	if ev.IsTyping {
		if e, ok := c.typing[ev.UserID]; ok {
			e.name = ev.UserName
			e.timer.Reset(typingTTL)
		} else {
			userID := ev.UserID
			c.typing[userID] = &typingEntry{
				name: ev.UserName,
				timer: time.AfterFunc(typingTTL, func() {
					c.expireTyping(userID)
				}),
			}
		}
	} else {
		c.removeTypingLocked(ev.UserID)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) expireTyping(userID string) {
	c.mu.Lock()
	c.removeTypingLocked(userID)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) removeTypingLocked(userID string) {
	if e, ok := c.typing[userID]; ok {
		e.timer.Stop()
		delete(c.typing, userID)
	}
}

func (c *Controller) clearTypingLocked() {
	for id, e := range c.typing {
		e.timer.Stop()
		delete(c.typing, id)
	}
}

// TypingUsers возвращает имена печатающих сейчас участников открытой переписки.
func (c *Controller) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.typing))
	for _, e := range c.typing {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}

// NotifyComposing вызывается на каждое нажатие клавиши в композере. Дебаунс:
// не больше одного "начал печатать" на серию ввода и одно "перестал" после
// typingStopDelay тишины. Сигналы fire-and-forget.
func (c *Controller) NotifyComposing(conversationID string) {
	c.mu.Lock()
	if !c.composing {
		c.composing = true
		go c.sendTyping(conversationID, true)
	}
	if c.typingStop != nil {
		c.typingStop.Stop()
	}
	c.typingStop = time.AfterFunc(typingStopDelay, func() {
		c.mu.Lock()
		c.composing = false
		c.typingStop = nil
		c.mu.Unlock()
		c.sendTyping(conversationID, false)
	})
	c.mu.Unlock()
}

// stopComposingLocked гасит дебаунс немедленно (отправка сообщения, закрытие
// переписки); "перестал печатать" уходит, только если "начал" уже отправлялся.
func (c *Controller) stopComposingLocked() {
	if c.typingStop != nil {
		c.typingStop.Stop()
		c.typingStop = nil
	}
	if c.composing {
		c.composing = false
		id := c.openID
		if id != "" {
			go c.sendTyping(id, false)
		}
	}
}

func (c *Controller) sendTyping(conversationID string, isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.backend.Typing(ctx, conversationID, isTyping); err != nil {
		logger.Errorf("chat: typing signal: %v", err)
	}
}
