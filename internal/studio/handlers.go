package studio

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, agg *Aggregator, summarizer *Summarizer) {
	r.Post("/payloads", func(c *fiber.Ctx) error {
		payload, err := agg.Decode(c.Body())
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		result, err := agg.Ingest(c.Context(), payload)
		if err != nil {
			return fiber.NewError(statusFor(err), err.Error())
		}
		return c.Status(fiber.StatusAccepted).JSON(result)
	})

	r.Get("/:id/summary", func(c *fiber.Ctx) error {
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "studio id must be an integer")
		}
		summary, err := summarizer.Summarize(c.Context(), id)
		if err != nil {
			return fiber.NewError(statusFor(err), err.Error())
		}
		return c.JSON(summary)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrStorageFailure):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
