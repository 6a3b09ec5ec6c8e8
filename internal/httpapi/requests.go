package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/examattempts/engine/internal/attempt"
)

var validate = validator.New()

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apiValidation("malformed request body")
	}
	if err := validate.Struct(dst); err != nil {
		return apiValidation(err.Error())
	}
	return nil
}

type answerRequest struct {
	SelectedOption attempt.Selection `json:"selectedOption"`
	ResponseTime   int               `json:"responseTime" validate:"gte=0"`
}

type batchAnswerEntry struct {
	QuestionID     string            `json:"questionId" validate:"required"`
	SelectedOption attempt.Selection `json:"selectedOption"`
	ResponseTime   int               `json:"responseTime" validate:"gte=0"`
}

type batchAnswersRequest struct {
	Answers []batchAnswerEntry `json:"answers" validate:"required,min=1,dive"`
}

type timeSyncRequest struct {
	TimeRemaining int64 `json:"timeRemaining" validate:"gte=0"`
}
