package controller

import (
	"time"

	"github.com/gofiber/websocket/v2"

	"coldmail/models"
)

type campaignProgress struct {
	CampaignID      uint   `json:"campaign_id"`
	Status          string `json:"status"`
	TotalRecipients int    `json:"total_recipients"`
	SentCount       int    `json:"sent_count"`
	FailedCount     int    `json:"failed_count"`
	OpenCount       int    `json:"open_count"`
	ClickCount      int    `json:"click_count"`
	ReplyCount      int    `json:"reply_count"`
	Percent         int    `json:"percent"`
}

// HandleCampaignProgressWS streams live delivery counters for one
// campaign until it reaches a terminal status or the client goes away.
func (cc *CampaignController) HandleCampaignProgressWS(c *websocket.Conn) {
	defer c.Close()

	user, ok := c.Locals("user").(*models.User)
	if !ok {
		return
	}

	var input struct {
		CampaignID uint `json:"campaign_id"`
	}
	if err := c.ReadJSON(&input); err != nil {
		return
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var campaign models.Campaign
		if err := cc.DB.Where("id = ? AND user_id = ?", input.CampaignID, user.ID).
			First(&campaign).Error; err != nil {
			c.WriteJSON(map[string]string{"error": "campaign not found"})
			return
		}

		progress := campaignProgress{
			CampaignID:      campaign.ID,
			Status:          campaign.Status,
			TotalRecipients: campaign.TotalRecipients,
			SentCount:       campaign.SentCount,
			FailedCount:     campaign.FailedCount,
			OpenCount:       campaign.OpenCount,
			ClickCount:      campaign.ClickCount,
			ReplyCount:      campaign.ReplyCount,
		}
		if campaign.TotalRecipients > 0 {
			progress.Percent = (campaign.SentCount + campaign.FailedCount) * 100 / campaign.TotalRecipients
		}

		if err := c.WriteJSON(progress); err != nil {
			return
		}

		switch campaign.Status {
		case models.CampaignStatusCompleted, models.CampaignStatusCancelled:
			return
		}

		<-ticker.C
	}
}
