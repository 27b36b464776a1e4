package gateway

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/marketmind/chatstream/internal/history"
	"github.com/marketmind/chatstream/internal/requestid"
)

// API is the chat-resource REST application.
type API struct {
	app    *fiber.App
	store  *Store
	secret string
	logger zerolog.Logger
}

// NewAPI builds the fiber application over the shared store.
func NewAPI(store *Store, secret string, logger zerolog.Logger) *API {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	a := &API{
		app:    app,
		store:  store,
		secret: secret,
		logger: logger.With().Str("component", "gateway-api").Logger(),
	}

	app.Use(recover.New())
	app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})
	app.Use(a.authenticate)

	app.Get("/api/chats", a.listChats)
	app.Post("/api/chats", a.createChat)
	app.Get("/api/chats/:id", a.getChat)
	app.Patch("/api/chats/:id", a.renameChat)
	app.Delete("/api/chats/:id", a.deleteChat)

	return a
}

// App exposes the fiber application (for tests and the server runner).
func (a *API) App() *fiber.App {
	return a.app
}

// Listen serves the REST API on addr.
func (a *API) Listen(addr string) error {
	a.logger.Info().Str("addr", addr).Msg("chat API listening")
	return a.app.Listen(addr)
}

// Shutdown stops the REST API.
func (a *API) Shutdown() error {
	return a.app.Shutdown()
}

func (a *API) authenticate(c *fiber.Ctx) error {
	raw := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
	id, err := VerifyToken(a.secret, raw)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
	}
	if !id.HasScope(ScopeChat) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "missing chat scope"})
	}
	c.Locals("user_id", id.UserID)
	return c.Next()
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

func (a *API) listChats(c *fiber.Ctx) error {
	chats := a.store.ListChats(userID(c))
	if chats == nil {
		chats = []history.Chat{}
	}
	return c.JSON(chats)
}

func (a *API) createChat(c *fiber.Ctx) error {
	var body struct {
		Title string `json:"title"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if body.Title == "" {
		body.Title = "New chat"
	}
	chat := a.store.CreateChat(userID(c), body.Title)
	return c.Status(fiber.StatusCreated).JSON(chat)
}

func (a *API) getChat(c *fiber.Ctx) error {
	chat, err := a.store.GetChat(userID(c), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "chat not found"})
	}
	return c.JSON(chat)
}

func (a *API) renameChat(c *fiber.Ctx) error {
	var body struct {
		Title string `json:"title"`
	}
	if err := c.BodyParser(&body); err != nil || body.Title == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "title required"})
	}
	if err := a.store.RenameChat(userID(c), c.Params("id"), body.Title); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "chat not found"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) deleteChat(c *fiber.Ctx) error {
	if err := a.store.DeleteChat(userID(c), c.Params("id")); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "chat not found"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}
