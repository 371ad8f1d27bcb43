package controller

import (
	"encoding/csv"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldmail/models"
	"coldmail/utils"
)

type ContactController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewContactController(db *gorm.DB, logger *logrus.Logger) *ContactController {
	return &ContactController{
		DB:     db,
		Logger: logger,
	}
}

// CreateContactList creates an empty list
func (cl *ContactController) CreateContactList(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Name        string `json:"name" validate:"required,max=200"`
		Description string `json:"description"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	list := models.ContactList{
		UserID:      user.ID,
		Name:        input.Name,
		Description: input.Description,
		Source:      "manual",
	}
	if err := cl.DB.Create(&list).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create contact list", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(list))
}

// GetContactLists returns all of the user's lists
func (cl *ContactController) GetContactLists(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var lists []models.ContactList
	if err := cl.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&lists).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch contact lists", err)
	}
	return c.JSON(utils.SuccessResponse(lists))
}

// DeleteContactList removes a list and its contacts
func (cl *ContactController) DeleteContactList(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var list models.ContactList
	if err := cl.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).First(&list).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact list not found", nil)
	}

	err := cl.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("contact_list_id = ?", list.ID).Delete(&models.Contact{}).Error; err != nil {
			return err
		}
		return tx.Delete(&list).Error
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete contact list", err)
	}
	return c.JSON(fiber.Map{"message": "Contact list deleted"})
}

type contactInput struct {
	ContactListID uint   `json:"contact_list_id" validate:"required"`
	Email         string `json:"email" validate:"required,email"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Company       string `json:"company"`
	Position      string `json:"position"`
	Phone         string `json:"phone"`
	Website       string `json:"website"`
	Timezone      string `json:"timezone"`

	CustomFields map[string]string `json:"custom_fields"`
}

// CreateContact adds one contact to a list
func (cl *ContactController) CreateContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input contactInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := checkmail.ValidateFormat(input.Email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email address", err)
	}

	var list models.ContactList
	if err := cl.DB.Where("id = ? AND user_id = ?", input.ContactListID, user.ID).First(&list).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact list not found", nil)
	}

	contact := models.Contact{
		UserID:        user.ID,
		ContactListID: input.ContactListID,
		Email:         strings.ToLower(input.Email),
		FirstName:     input.FirstName,
		LastName:      input.LastName,
		Company:       input.Company,
		Position:      input.Position,
		Phone:         input.Phone,
		Website:       input.Website,
		Timezone:      input.Timezone,
		IsActive:      true,
		Source:        "manual",
	}
	for name, value := range input.CustomFields {
		contact.CustomFields = append(contact.CustomFields, models.ContactCustomField{
			Name:  name,
			Value: value,
		})
	}

	err := cl.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&contact).Error; err != nil {
			return err
		}
		return cl.refreshListCounts(tx, list.ID)
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create contact", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(contact))
}

// GetContacts lists contacts, optionally filtered by list
func (cl *ContactController) GetContacts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	q := cl.DB.Model(&models.Contact{}).Where("user_id = ?", user.ID)
	if listID := c.Query("list_id"); listID != "" {
		q = q.Where("contact_list_id = ?", listID)
	}
	if search := c.Query("search"); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		q = q.Where("LOWER(email) LIKE ? OR LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ?", like, like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch contacts", err)
	}

	var contacts []models.Contact
	if err := q.Preload("CustomFields").Preload("Tags.Tag").
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&contacts).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch contacts", err)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  contacts,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetContact returns one contact with tags, custom fields and recent
// activity
func (cl *ContactController) GetContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var contact models.Contact
	if err := cl.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).
		Preload("CustomFields").
		Preload("Tags.Tag").
		First(&contact).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}

	var activities []models.ContactActivity
	cl.DB.Where("contact_id = ?", contact.ID).
		Order("activity_at DESC").
		Limit(50).
		Find(&activities)

	return c.JSON(fiber.Map{
		"contact":    contact,
		"activities": activities,
	})
}

// UpdateContact edits contact fields
func (cl *ContactController) UpdateContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var contact models.Contact
	if err := cl.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).First(&contact).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}

	var input struct {
		FirstName      *string `json:"first_name"`
		LastName       *string `json:"last_name"`
		Company        *string `json:"company"`
		Position       *string `json:"position"`
		Phone          *string `json:"phone"`
		Website        *string `json:"website"`
		Timezone       *string `json:"timezone"`
		IsActive       *bool   `json:"is_active"`
		IsDoNotContact *bool   `json:"is_do_not_contact"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	if input.FirstName != nil {
		contact.FirstName = *input.FirstName
	}
	if input.LastName != nil {
		contact.LastName = *input.LastName
	}
	if input.Company != nil {
		contact.Company = *input.Company
	}
	if input.Position != nil {
		contact.Position = *input.Position
	}
	if input.Phone != nil {
		contact.Phone = *input.Phone
	}
	if input.Website != nil {
		contact.Website = *input.Website
	}
	if input.Timezone != nil {
		contact.Timezone = *input.Timezone
	}
	if input.IsActive != nil {
		contact.IsActive = *input.IsActive
	}
	if input.IsDoNotContact != nil {
		contact.IsDoNotContact = *input.IsDoNotContact
	}

	if err := cl.DB.Save(&contact).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update contact", err)
	}
	return c.JSON(utils.SuccessResponse(contact))
}

// DeleteContact removes one contact
func (cl *ContactController) DeleteContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var contact models.Contact
	if err := cl.DB.Where("id = ? AND user_id = ?", c.Params("id"), user.ID).First(&contact).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}

	err := cl.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("contact_id = ?", contact.ID).Delete(&models.ContactCustomField{}).Error; err != nil {
			return err
		}
		if err := tx.Where("contact_id = ?", contact.ID).Delete(&models.ContactTag{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&contact).Error; err != nil {
			return err
		}
		return cl.refreshListCounts(tx, contact.ContactListID)
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete contact", err)
	}
	return c.JSON(fiber.Map{"message": "Contact deleted"})
}

// ImportContacts ingests a CSV upload into a list. Expected header columns:
// email plus any of first_name, last_name, company, position, phone,
// website; unknown columns become custom fields.
func (cl *ContactController) ImportContacts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	listID := utils.ParseUint(c.Query("list_id"))
	if listID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Contact list ID is required for import", nil)
	}

	var list models.ContactList
	if err := cl.DB.Where("id = ? AND user_id = ?", listID, user.ID).First(&list).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact list not found", nil)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File upload error", err)
	}
	if file.Size > 5<<20 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File too large (max 5MB)", nil)
	}

	src, err := file.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to open file", err)
	}
	defer src.Close()

	records, err := csv.NewReader(src).ReadAll()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to parse CSV file", err)
	}
	if len(records) < 2 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "CSV file must have at least a header and one row", nil)
	}

	header := records[0]
	rows := records[1:]

	known := map[string]bool{
		"email": true, "first_name": true, "last_name": true,
		"company": true, "position": true, "phone": true, "website": true,
	}

	imported, skipped := 0, 0
	for _, row := range rows {
		if len(row) != len(header) {
			skipped++
			continue
		}

		data := make(map[string]string, len(header))
		for i, col := range header {
			data[strings.ToLower(strings.TrimSpace(col))] = strings.TrimSpace(row[i])
		}

		email := strings.ToLower(data["email"])
		if email == "" || checkmail.ValidateFormat(email) != nil {
			skipped++
			continue
		}

		var existing models.Contact
		err := cl.DB.Where("email = ? AND user_id = ?", email, user.ID).First(&existing).Error
		if err == nil {
			skipped++
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Import failed", err)
		}

		contact := models.Contact{
			UserID:        user.ID,
			ContactListID: listID,
			Email:         email,
			FirstName:     data["first_name"],
			LastName:      data["last_name"],
			Company:       data["company"],
			Position:      data["position"],
			Phone:         data["phone"],
			Website:       data["website"],
			IsActive:      true,
			Source:        "csv",
		}
		for name, value := range data {
			if !known[name] && value != "" {
				contact.CustomFields = append(contact.CustomFields, models.ContactCustomField{
					Name:  name,
					Value: value,
				})
			}
		}

		if err := cl.DB.Create(&contact).Error; err != nil {
			cl.Logger.WithError(err).WithField("email", email).Warn("Failed to import contact")
			skipped++
			continue
		}
		imported++
	}

	if err := cl.refreshListCounts(cl.DB, listID); err != nil {
		cl.Logger.WithError(err).Warn("Failed to refresh list counts")
	}

	cl.Logger.WithFields(logrus.Fields{
		"list_id":  listID,
		"imported": imported,
		"skipped":  skipped,
	}).Info("Contacts imported")

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"total_rows": len(rows),
		"imported":   imported,
		"skipped":    skipped,
	}))
}

// ExportContacts streams a list as CSV
func (cl *ContactController) ExportContacts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	q := cl.DB.Where("user_id = ?", user.ID)
	if listID := c.Query("list_id"); listID != "" {
		q = q.Where("contact_list_id = ?", listID)
	}

	var contacts []models.Contact
	if err := q.Find(&contacts).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch contacts", err)
	}

	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", "attachment; filename=contacts_export_"+time.Now().Format("20060102")+".csv")

	writer := csv.NewWriter(c)
	writer.Write([]string{"email", "first_name", "last_name", "company", "position", "phone", "website"})
	for _, contact := range contacts {
		writer.Write([]string{
			contact.Email, contact.FirstName, contact.LastName,
			contact.Company, contact.Position, contact.Phone, contact.Website,
		})
	}
	writer.Flush()
	return nil
}

// CreateTag creates a user tag
func (cl *ContactController) CreateTag(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Name  string `json:"name" validate:"required,max=100"`
		Color string `json:"color"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	tag := models.Tag{UserID: user.ID, Name: input.Name, Color: input.Color}
	if err := cl.DB.Create(&tag).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create tag", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(tag))
}

// GetTags lists the user's tags
func (cl *ContactController) GetTags(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var tags []models.Tag
	if err := cl.DB.Where("user_id = ?", user.ID).Find(&tags).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch tags", err)
	}
	return c.JSON(utils.SuccessResponse(tags))
}

// refreshListCounts recomputes the denormalized list statistics
func (cl *ContactController) refreshListCounts(tx *gorm.DB, listID uint) error {
	var total, active, bounced int64
	if err := tx.Model(&models.Contact{}).Where("contact_list_id = ?", listID).Count(&total).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Contact{}).
		Where("contact_list_id = ? AND is_active = ? AND is_bounced = ? AND is_unsubscribed = ?", listID, true, false, false).
		Count(&active).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Contact{}).
		Where("contact_list_id = ? AND is_bounced = ?", listID, true).
		Count(&bounced).Error; err != nil {
		return err
	}
	return tx.Model(&models.ContactList{}).Where("id = ?", listID).Updates(map[string]interface{}{
		"contact_count": total,
		"active_count":  active,
		"bounced_count": bounced,
	}).Error
}
