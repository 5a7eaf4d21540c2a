package controllers

import (
	"errors"
	"time"

	"attendance_go/middleware"
	"attendance_go/models"
	"attendance_go/services/attendance"
	"attendance_go/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type AuthController struct {
	db  *gorm.DB
	svc *attendance.Service
}

func NewAuthController(db *gorm.DB, svc *attendance.Service) *AuthController {
	return &AuthController{db: db, svc: svc}
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse carries the signed token and the identity it encodes.
type LoginResponse struct {
	Message string      `json:"message"`
	Token   string      `json:"token"`
	User    SessionUser `json:"user"`
}

type SessionUser struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role"`
	TeacherID *uint  `json:"teacher_id,omitempty"`
}

// Login authenticates a user and returns a JWT token. Teachers get their
// teacher id embedded so attendance writes are attributed server-side.
func (ac *AuthController) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	req.Username = utils.SanitizeString(req.Username)
	if err := validate.Struct(req); err != nil {
		return validationError(c, err)
	}

	var user models.User
	err := ac.db.WithContext(c.UserContext()).
		Where("username = ? AND status = ?", req.Username, "active").
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid credentials",
		})
	}
	if err != nil {
		return respondError(c, err)
	}

	if user.Password == "" || utils.CheckPassword(req.Password, user.Password) != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid credentials",
		})
	}

	var teacherID *uint
	teacher, err := ac.svc.TeacherByUser(c.UserContext(), user.ID)
	if err != nil {
		return respondError(c, err)
	}
	if teacher != nil {
		teacherID = &teacher.ID
	}

	token, err := middleware.GenerateToken(&user, teacherID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Error("Failed to sign token")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate token",
		})
	}

	middleware.LogActivity(c, "LOGIN", "auth", user.ID, fiber.Map{
		"username": user.Username,
		"role":     user.Role,
	})

	return c.JSON(LoginResponse{
		Message: "Login successful",
		Token:   token,
		User: SessionUser{
			ID:        user.ID,
			Username:  user.Username,
			Email:     user.Email,
			Role:      user.Role,
			TeacherID: teacherID,
		},
	})
}

// Logout revokes the current token until it expires.
func (ac *AuthController) Logout(c *fiber.Ctx) error {
	claims, err := middleware.GetCurrentClaims(c)
	if err != nil {
		return respondError(c, err)
	}

	if bl := middleware.CurrentTokenBlacklist(); bl != nil && claims.ExpiresAt != nil {
		ttl := time.Until(claims.ExpiresAt.Time)
		if err := bl.Revoke(c.UserContext(), middleware.GetCurrentToken(c), ttl); err != nil {
			// the token stays valid until it expires
			logrus.WithError(err).WithField("user_id", claims.UserID).Warn("Failed to revoke token")
		}
	}

	middleware.LogActivity(c, "LOGOUT", "auth", claims.UserID, fiber.Map{"username": claims.Username})
	return c.JSON(fiber.Map{"message": "Logged out successfully"})
}

// Me echoes the identity carried by the token.
func (ac *AuthController) Me(c *fiber.Ctx) error {
	claims, err := middleware.GetCurrentClaims(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(SessionUser{
		ID:        claims.UserID,
		Username:  claims.Username,
		Role:      claims.Role,
		TeacherID: claims.TeacherID,
	})
}
