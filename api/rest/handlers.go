package rest

import (
	"github.com/gofiber/fiber/v2"

	"yqhp/grid-agent/pkg/types"
)

// running GET /running
func (s *Server) running(c *fiber.Ctx) error {
	return c.SendString("running")
}

// listTokens GET /token/list
func (s *Server) listTokens(c *fiber.Ctx) error {
	return c.JSON(s.dispatcher.List())
}

// availableTokens GET /token/available
func (s *Server) availableTokens(c *fiber.Ctx) error {
	return c.JSON(s.dispatcher.AvailableTokens())
}

// process POST /token/:id/process
// The result is always 200: failures are carried in CallResult.error.
func (s *Server) process(c *fiber.Ctx) error {
	var req types.CallRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid call request: "+err.Error())
	}

	result := s.dispatcher.Process(c.UserContext(), c.Params("id"), &req)
	return c.JSON(result)
}

// reserve GET /token/:id/reserve
func (s *Server) reserve(c *fiber.Ctx) error {
	if err := s.dispatcher.Reserve(c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// release GET /token/:id/release
func (s *Server) release(c *fiber.Ctx) error {
	if err := s.dispatcher.Release(c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
