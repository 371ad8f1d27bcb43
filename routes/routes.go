package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"

	controller "coldmail/controllers"
	"coldmail/middleware"
)

// Controllers bundles the wired controllers the route tree needs.
type Controllers struct {
	Campaign *controller.CampaignController
	Sequence *controller.SequenceController
	Contact  *controller.ContactController
	Sender   *controller.SenderController
	Template *controller.TemplateController
	Tracking *controller.TrackingController
}

func SetupAuthRoutes(app *fiber.App) {
	auth := app.Group("/auth", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	auth.Post("/register", controller.Register)
	auth.Post("/login", controller.Login)
	auth.Post("/refresh", controller.RefreshToken)

	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Post("/logout", controller.Logout)
	protectedAuth.Post("/change-password", controller.ChangePassword)
	protectedAuth.Get("/me", controller.GetCurrentUser)
}

func SetupAPIRoutes(app *fiber.App, ctrl *Controllers) {
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sender routes
	sender := api.Group("/senders")
	sender.Post("/", ctrl.Sender.CreateSender)
	sender.Get("/", ctrl.Sender.GetSenders)
	sender.Get("/:id", ctrl.Sender.GetSender)
	sender.Put("/:id", ctrl.Sender.UpdateSender)
	sender.Delete("/:id", ctrl.Sender.DeleteSender)
	sender.Post("/:id/toggle", ctrl.Sender.ToggleSender)
	sender.Post("/:id/test", middleware.SenderRateLimiter(), ctrl.Sender.TestSender)

	// Template routes
	template := api.Group("/templates")
	template.Post("/", ctrl.Template.CreateTemplate)
	template.Get("/", ctrl.Template.GetTemplates)
	template.Get("/:id", ctrl.Template.GetTemplate)
	template.Put("/:id", ctrl.Template.UpdateTemplate)
	template.Delete("/:id", ctrl.Template.DeleteTemplate)
	template.Post("/:id/preview", ctrl.Template.PreviewTemplate)

	// Contact list and contact routes
	list := api.Group("/contact-lists")
	list.Post("/", ctrl.Contact.CreateContactList)
	list.Get("/", ctrl.Contact.GetContactLists)
	list.Delete("/:id", ctrl.Contact.DeleteContactList)

	contact := api.Group("/contacts")
	contact.Post("/", ctrl.Contact.CreateContact)
	contact.Get("/", ctrl.Contact.GetContacts)
	contact.Get("/:id", ctrl.Contact.GetContact)
	contact.Put("/:id", ctrl.Contact.UpdateContact)
	contact.Delete("/:id", ctrl.Contact.DeleteContact)
	contact.Post("/import", ctrl.Contact.ImportContacts)
	contact.Get("/export", ctrl.Contact.ExportContacts)

	tag := api.Group("/tags")
	tag.Post("/", ctrl.Contact.CreateTag)
	tag.Get("/", ctrl.Contact.GetTags)

	// Campaign routes
	campaign := api.Group("/campaigns")
	campaign.Post("/", ctrl.Campaign.CreateCampaign)
	campaign.Get("/", ctrl.Campaign.GetCampaigns)
	campaign.Get("/:id", ctrl.Campaign.GetCampaign)
	campaign.Put("/:id", ctrl.Campaign.UpdateCampaign)
	campaign.Delete("/:id", ctrl.Campaign.DeleteCampaign)
	campaign.Post("/:id/start", ctrl.Campaign.StartCampaign)
	campaign.Post("/:id/pause", ctrl.Campaign.PauseCampaign)
	campaign.Post("/:id/resume", ctrl.Campaign.ResumeCampaign)
	campaign.Post("/:id/cancel", ctrl.Campaign.CancelCampaign)
	campaign.Post("/:id/retry-failed", ctrl.Campaign.RetryFailedRecipients)
	campaign.Get("/:id/stats", ctrl.Campaign.GetCampaignStats)
	campaign.Get("/:id/recipients", ctrl.Campaign.GetCampaignRecipients)

	// WebSocket route for live campaign progress
	app.Get("/api/v1/campaigns/progress", middleware.Protected(), websocket.New(ctrl.Campaign.HandleCampaignProgressWS))

	// Sequence routes
	sequence := api.Group("/sequences")
	sequence.Post("/", ctrl.Sequence.CreateSequence)
	sequence.Get("/", ctrl.Sequence.GetSequences)
	sequence.Get("/:id", ctrl.Sequence.GetSequence)
	sequence.Put("/:id", ctrl.Sequence.UpdateSequence)
	sequence.Put("/:id/steps", ctrl.Sequence.ReplaceSteps)
	sequence.Post("/:id/activate", ctrl.Sequence.ActivateSequence)
	sequence.Post("/:id/pause", ctrl.Sequence.PauseSequence)
	sequence.Post("/:id/archive", ctrl.Sequence.ArchiveSequence)
	sequence.Post("/:id/enroll", ctrl.Sequence.EnrollContacts)
	sequence.Get("/:id/enrollments", ctrl.Sequence.GetEnrollments)
	sequence.Get("/:id/stats", ctrl.Sequence.GetSequenceStats)
	sequence.Get("/:id/events", ctrl.Sequence.GetSequenceEvents)
}

// SetupPublicRoutes registers the unauthenticated endpoints hit from
// inside delivered emails
func SetupPublicRoutes(app *fiber.App, ctrl *Controllers) {
	app.Get("/track/open/:messageID/:token", ctrl.Tracking.HandleOpenTracking)
	app.Get("/track/click/:messageID/:token", ctrl.Tracking.HandleClickTracking)
	app.Get("/unsubscribe/:messageID/:token", ctrl.Tracking.HandleUnsubscribe)
}

func SetupRoutes(app *fiber.App, ctrl *Controllers) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAuthRoutes(app)
	SetupPublicRoutes(app, ctrl)
	SetupAPIRoutes(app, ctrl)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
