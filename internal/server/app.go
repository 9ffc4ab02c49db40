package server

import (
	"chatroom/internal/config"
	"chatroom/internal/service"
	"chatroom/internal/store"
	"chatroom/internal/ws"
)

// App 装配房间消息子系统：Hub、Room Registry、Dispatcher 与各个 service。
type App struct {
	Config    config.Config
	Backend   *store.Backend
	Hub       *ws.Hub
	Users     *service.UserService
	Rooms     *service.RoomService
	Messages  *service.MessageService
	Retention *service.Retention
}

func NewApp(cfg config.Config, backend *store.Backend) *App {
	hub := ws.NewHub()
	dispatcher := service.NewDispatcher(backend.Messages, hub, cfg.OperatorIdentity)
	return &App{
		Config:    cfg,
		Backend:   backend,
		Hub:       hub,
		Users:     service.NewUserService(backend.Accounts, cfg),
		Rooms:     service.NewRoomService(backend.Accounts, hub, cfg.OperatorIdentity),
		Messages:  service.NewMessageService(backend.Messages, dispatcher),
		Retention: service.NewRetention(backend.Messages, dispatcher, cfg.HistoryLimit, cfg.RetentionInterval()),
	}
}
