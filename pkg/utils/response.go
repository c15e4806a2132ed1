package utils

import "github.com/gofiber/fiber/v2"

// Every handler answers with the same envelope: {success, data} on the
// happy path, {success, error} on failure.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

func Success(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(apiResponse{Success: true, Data: data})
}

func Error(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(apiResponse{Success: false, Error: message})
}
