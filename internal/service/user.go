package service

import (
	"context"
	"errors"
	"time"

	"chatroom/internal/auth"
	"chatroom/internal/config"
	"chatroom/internal/models"
	"chatroom/internal/store"
)

// UserService 封装用户相关的业务逻辑。
type UserService struct {
	accounts store.Accounts
	cfg      config.Config
}

func NewUserService(accounts store.Accounts, cfg config.Config) *UserService {
	return &UserService{accounts: accounts, cfg: cfg}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

// Register 注册新用户；用户名与配置中的 operator 相同时授予 operator 角色。
func (s *UserService) Register(ctx context.Context, username, password string) (*RegisterResult, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	role := models.RoleUser
	if username == s.cfg.OperatorIdentity {
		role = models.RoleOperator
	}
	user, err := s.accounts.CreateUser(ctx, username, hash, role)
	if errors.Is(err, store.ErrUsernameTaken) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, err
	}
	return &RegisterResult{ID: user.ID, Username: user.Username, Room: user.Room}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         models.User `json:"-"`
}

// Login 校验用户名密码并签发 token 对。
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.accounts.FindUser(ctx, username)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(user.Username, user.Role, s.cfg.JWTSecret, s.cfg.AccessTokenTTL())
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := s.accounts.SaveRefreshToken(ctx, user.Username, rt, time.Now().Add(s.cfg.RefreshTokenTTL())); err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, User: *user}, nil
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*RefreshResult, error) {
	newRT, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	username, err := s.accounts.RotateRefreshToken(ctx, oldRT, newRT, time.Now().Add(s.cfg.RefreshTokenTTL()))
	if errors.Is(err, store.ErrInvalidRefreshToken) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, err
	}
	user, err := s.accounts.FindUser(ctx, username)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, err
	}
	at, err := auth.GenerateAccessToken(user.Username, user.Role, s.cfg.JWTSecret, s.cfg.AccessTokenTTL())
	if err != nil {
		return nil, err
	}
	return &RefreshResult{AccessToken: at, RefreshToken: newRT}, nil
}

// Logout 吊销 refresh token，已吊销或不存在的 token 视为成功。
func (s *UserService) Logout(ctx context.Context, refreshToken string) error {
	return s.accounts.RevokeRefreshToken(ctx, refreshToken)
}

// Me 返回当前用户资料。
func (s *UserService) Me(ctx context.Context, username string) (*models.User, error) {
	return s.accounts.FindUser(ctx, username)
}
