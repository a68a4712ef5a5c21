package model

// Session — аутентифицированная личность клиента и её токен.
// Создаётся при login/register, восстанавливается из credstore при старте,
// уничтожается при logout или по сигналу auth-failed от realtime-слоя.
type Session struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	Token       string `json:"token"`
}

// SameIdentity сообщает, принадлежат ли две сессии одному пользователю.
// Токен не сравнивается: после refresh личность та же, соединение пересоздавать не нужно.
func (s Session) SameIdentity(other Session) bool {
	return s.UserID != "" && s.UserID == other.UserID
}
