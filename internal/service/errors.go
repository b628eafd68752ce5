package service

import "errors"

var (
	ErrLobbyNotFound           = errors.New("lobby not found")
	ErrUserNotFound            = errors.New("user not found")
	ErrAlreadyInLobby          = errors.New("user already in a lobby")
	ErrNotController           = errors.New("forbidden: not lobby controller")
	ErrLobbyIDGenerationFailed = errors.New("failed to generate unique lobby ID after multiple attempts")
)
