package realtime

// LifecycleSignals — абстракция над сигналами окружения "можно просыпаться":
// возврат приложения на передний план, восстановление сети. Ядро не зависит
// от конкретной платформы; реализация для терминального клиента — периодический
// probe, в тестах — обычный канал.
type LifecycleSignals interface {
	// Wake возвращает канал, в который окружение пишет при каждом пробуждении.
	// Закрытие канала останавливает наблюдение.
	Wake() <-chan struct{}
}

// WatchLifecycle подписывает менеджер на сигналы пробуждения: каждый сигнал
// превращается в Nudge. Возвращает функцию остановки наблюдения.
func (m *Manager) WatchLifecycle(ls LifecycleSignals) func() {
	stop := make(chan struct{})
	go func() {
		wake := ls.Wake()
		for {
			select {
			case _, ok := <-wake:
				if !ok {
					return
				}
				m.Nudge()
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
