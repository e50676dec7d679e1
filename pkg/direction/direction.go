// Package direction содержит арифметику направления медиа потока и флагов
// ожидания подтверждения отправки, общую для всех адаптеров потоков.
//
// Функции пакета чистые: принимают состояние и возвращают новое состояние
// вместе с признаком изменения. Уведомления и побочные эффекты остаются
// на стороне адаптера.
package direction

import (
	mt "github.com/arzzra/sip_negotiation/pkg/media_types"
)

// State состояние направления одного потока
type State struct {
	// Direction направление, фактически применяемое к потоку
	Direction mt.Direction
	// Pending флаги ожидания подтверждения отправки
	Pending mt.PendingSend
	// PendingRemoteReceive отправка разрешена, но удаленная сторона
	// еще не подтвердила что готова принимать
	PendingRemoteReceive bool
}

// Requested возвращает направление с учетом ожидающей локальной отправки
func (s State) Requested() mt.Direction {
	if s.Pending&mt.PendingLocalSend != 0 {
		return s.Direction | mt.DirectionSend
	}
	return s.Direction
}

// SetDirection пересчитывает флаги ожидания для нового направления.
// Новые флаги ограничены mask: флаги вне маски сбрасываются. Второе
// значение false, если направление и флаги остались прежними;
// PendingRemoteReceive при этом все равно может быть выставлен.
func SetDirection(s State, dir mt.Direction, mask mt.PendingSend) (State, bool) {
	next := s
	pending := s.Pending & mask

	if dir&mt.DirectionSend == 0 {
		pending &^= mt.PendingLocalSend
	} else if dir&mt.DirectionSend&^s.Direction != 0 {
		// отправку должен подтвердить локальный клиент
		if mask&mt.PendingLocalSend != 0 {
			dir &^= mt.DirectionSend
			pending |= mt.PendingLocalSend
		}
		// ждем согласия удаленной стороны
		if mask&mt.PendingRemoteSend != 0 && s.Pending&mt.PendingLocalSend == 0 {
			next.PendingRemoteReceive = true
		}
	}

	if dir&mt.DirectionReceive == 0 {
		pending &^= mt.PendingRemoteSend
	} else if dir&mt.DirectionReceive&^s.Direction != 0 && mask&mt.PendingRemoteSend != 0 {
		pending |= mt.PendingRemoteSend
	}

	if dir == s.Direction && pending == s.Pending {
		return next, false
	}
	next.Direction = dir
	next.Pending = pending
	return next, true
}

// ApplyPending снимает флаги ожидания из mask. Снятие PendingLocalSend
// поднимает бит отправки. Второе значение true, если флаги изменились.
func ApplyPending(s State, mask mt.PendingSend) (State, bool) {
	next := s
	flags := s.Pending & mask

	next.Pending &^= flags
	if flags&mt.PendingLocalSend != 0 {
		next.Direction |= mt.DirectionSend
	}
	if mask&mt.PendingRemoteSend != 0 {
		next.PendingRemoteReceive = false
	}
	return next, flags != 0
}

// Sending вычисляет должен ли поток отправлять медиа
func Sending(s State, accepted bool) bool {
	return s.Direction&mt.DirectionSend != 0 &&
		!s.PendingRemoteReceive &&
		s.Pending&mt.PendingLocalSend == 0 &&
		accepted
}
