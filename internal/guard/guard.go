// Package guard gates application surfaces by session state. Guards are pure
// functions over a session snapshot: the app re-evaluates them on every store
// notification and acts on the decision (render, redirect, wait).
package guard

import (
	"github.com/rentora/internal/model"
	"github.com/rentora/internal/session"
)

type Decision int

const (
	// DecisionPending — сессия ещё гидратируется; рисуем нейтральное состояние.
	DecisionPending Decision = iota
	DecisionAllow
	DecisionRedirectLogin
	DecisionRedirectGuestHome
	DecisionRedirectHostHome
)

func (d Decision) String() string {
	switch d {
	case DecisionPending:
		return "pending"
	case DecisionAllow:
		return "allow"
	case DecisionRedirectLogin:
		return "redirect:login"
	case DecisionRedirectGuestHome:
		return "redirect:guest-home"
	case DecisionRedirectHostHome:
		return "redirect:host-home"
	}
	return "unknown"
}

// GuestOnly пускает гостя; хозяина отправляет на его поверхность.
func GuestOnly(snap session.Snapshot) Decision {
	switch snap.State {
	case session.StateLoading:
		return DecisionPending
	case session.StateAnonymous:
		return DecisionRedirectLogin
	}
	if snap.Session.Role == model.RoleHost {
		return DecisionRedirectHostHome
	}
	return DecisionAllow
}

// HostOnly — симметрично: не-хозяина отправляет на гостевую поверхность.
func HostOnly(snap session.Snapshot) Decision {
	switch snap.State {
	case session.StateLoading:
		return DecisionPending
	case session.StateAnonymous:
		return DecisionRedirectLogin
	}
	if snap.Session.Role != model.RoleHost {
		return DecisionRedirectGuestHome
	}
	return DecisionAllow
}
