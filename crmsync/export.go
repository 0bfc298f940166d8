package crmsync

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"github.com/mmdatafocus/salonsync_backend/models"
	"github.com/mmdatafocus/salonsync_backend/utils"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ExportMappingsHandler writes the mapping store for one kind (or all
// kinds) to a spreadsheet in object storage and returns the access URL.
func (e *Engine) ExportMappingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		kinds := models.SyncedEntityTypes
		if v := c.Query("entityType"); v != "" {
			entityType := models.EntityType(v)
			if !isSyncedEntityType(entityType) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity type"})
				return
			}
			kinds = []models.EntityType{entityType}
		}

		url, err := e.exportMappings(c.Request.Context(), kinds)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": url})
	}
}

func (e *Engine) exportMappings(ctx context.Context, kinds []models.EntityType) (string, error) {
	f := excelize.NewFile()
	sheetName := "Mappings"
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return "", err
	}

	f.SetCellValue(sheetName, "A1", "EntityType")
	f.SetCellValue(sheetName, "B1", "SourceId")
	f.SetCellValue(sheetName, "C1", "TargetId")
	f.SetCellValue(sheetName, "D1", "SourceName")
	f.SetCellValue(sheetName, "E1", "MatchedBy")
	f.SetCellValue(sheetName, "F1", "LastSeenAt")

	row := 2
	for _, entityType := range kinds {
		mappings, err := models.ListMappingsByType(ctx, e.db, entityType)
		if err != nil {
			return "", err
		}
		for _, m := range mappings {
			md := m.Metadata()
			f.SetCellValue(sheetName, "A"+fmt.Sprint(row), string(m.EntityType))
			f.SetCellValue(sheetName, "B"+fmt.Sprint(row), m.SourceId)
			f.SetCellValue(sheetName, "C"+fmt.Sprint(row), m.TargetId)
			f.SetCellValue(sheetName, "D"+fmt.Sprint(row), md.SourceName)
			f.SetCellValue(sheetName, "E"+fmt.Sprint(row), md.MatchedBy)
			if m.LastSeenAt != nil {
				f.SetCellValue(sheetName, "F"+fmt.Sprint(row), m.LastSeenAt.Format(time.RFC3339))
			}
			row++
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return "", err
	}

	objectKey := fmt.Sprintf("exports/mappings_%s.xlsx", utils.GenerateUniqueFilename())
	if err := utils.UploadObject(ctx, objectKey, xlsxContentType, buf.Bytes()); err != nil {
		return "", err
	}
	return utils.BuildObjectAccessURL(objectKey), nil
}

// ExportRunsHandler exports the recent run ledger to a spreadsheet.
func (e *Engine) ExportRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runs, err := models.ListRecentSyncRuns(c.Request.Context(), e.db, "", utils.IntFromEnv("SYNC_RUN_EXPORT_LIMIT", 1000))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		f := excelize.NewFile()
		sheetName := "Runs"
		if err := f.SetSheetName("Sheet1", sheetName); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		headers := []string{"Id", "EntityType", "Status", "TriggeredBy", "Total", "Success", "Skipped", "Failed", "DurationMs", "CompletedAt"}
		for i, h := range headers {
			cell, _ := excelize.CoordinatesToCellName(i+1, 1)
			f.SetCellValue(sheetName, cell, h)
		}
		for i, run := range runs {
			values := []interface{}{
				run.ID, string(run.EntityType), run.Status, run.TriggeredBy,
				run.TotalRecords, run.SuccessCount, run.SkippedCount, run.FailedCount,
				run.DurationMs, "",
			}
			if run.CompletedAt != nil {
				values[len(values)-1] = run.CompletedAt.Format(time.RFC3339)
			}
			for j, v := range values {
				cell, _ := excelize.CoordinatesToCellName(j+1, i+2)
				f.SetCellValue(sheetName, cell, v)
			}
		}

		var buf bytes.Buffer
		if err := f.Write(&buf); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		objectKey := fmt.Sprintf("exports/runs_%s.xlsx", utils.GenerateUniqueFilename())
		if err := utils.UploadObject(c.Request.Context(), objectKey, xlsxContentType, buf.Bytes()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": utils.BuildObjectAccessURL(objectKey)})
	}
}
