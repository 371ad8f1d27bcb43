package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldmail/engine"
	"coldmail/models"
	"coldmail/utils"
)

type TemplateController struct {
	DB       *gorm.DB
	Renderer engine.Renderer
	Logger   *logrus.Logger
}

func NewTemplateController(db *gorm.DB, renderer engine.Renderer, logger *logrus.Logger) *TemplateController {
	return &TemplateController{
		DB:       db,
		Renderer: renderer,
		Logger:   logger,
	}
}

type templateInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Subject     string `json:"subject" validate:"required,max=500"`
	HTMLContent string `json:"html_content"`
	TextContent string `json:"text_content"`
	Category    string `json:"category" validate:"omitempty,max=100"`
}

func (tc *TemplateController) CreateTemplate(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	template := models.Template{
		UserID:      user.ID,
		Name:        input.Name,
		Subject:     input.Subject,
		HTMLContent: input.HTMLContent,
		TextContent: input.TextContent,
		Category:    input.Category,
	}
	if err := tc.DB.Create(&template).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create template", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(template))
}

func (tc *TemplateController) GetTemplates(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	query := tc.DB.Model(&models.Template{}).Where("user_id = ?", user.ID)
	if category := c.Query("category"); category != "" {
		query = query.Where("category = ?", category)
	}

	var templates []models.Template
	if err := query.Order("created_at DESC").Find(&templates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch templates", err)
	}
	return c.JSON(utils.SuccessResponse(templates))
}

// GetTemplate returns the template along with the variables its
// content references
func (tc *TemplateController) GetTemplate(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	template, err := tc.ownedTemplate(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Template not found", nil)
	}

	variables := tc.Renderer.ExtractVariables(template.Subject + " " + template.HTMLContent)
	return c.JSON(fiber.Map{
		"template":  template,
		"variables": variables,
	})
}

func (tc *TemplateController) UpdateTemplate(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	template, err := tc.ownedTemplate(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Template not found", nil)
	}

	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	template.Name = input.Name
	template.Subject = input.Subject
	template.HTMLContent = input.HTMLContent
	template.TextContent = input.TextContent
	template.Category = input.Category
	if err := tc.DB.Save(template).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update template", err)
	}
	return c.JSON(utils.SuccessResponse(template))
}

func (tc *TemplateController) DeleteTemplate(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	template, err := tc.ownedTemplate(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Template not found", nil)
	}
	if err := tc.DB.Delete(template).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete template", err)
	}
	return c.JSON(fiber.Map{"message": "Template deleted"})
}

type previewInput struct {
	Variables map[string]any `json:"variables"`
}

// PreviewTemplate renders the template with sample variables, with
// spintax resolved
func (tc *TemplateController) PreviewTemplate(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	template, err := tc.ownedTemplate(c, user.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Template not found", nil)
	}

	var input previewInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if input.Variables == nil {
		input.Variables = map[string]any{}
	}

	rendered, err := tc.Renderer.Render(template.Subject, template.HTMLContent, template.TextContent, input.Variables, true)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Template failed to render", err)
	}
	return c.JSON(fiber.Map{
		"subject":   rendered.Subject,
		"html_body": rendered.HTMLBody,
		"text_body": rendered.TextBody,
	})
}

func (tc *TemplateController) ownedTemplate(c *fiber.Ctx, userID uint) (*models.Template, error) {
	var template models.Template
	if err := tc.DB.Where("id = ? AND user_id = ?", c.Params("id"), userID).First(&template).Error; err != nil {
		return nil, err
	}
	return &template, nil
}
