package server

import (
	"fmt"
	"strings"

	"github.com/arture/agentstream/pkg/types"
)

const systemPromptTemplate = `You are a canvas design assistant. Help users create and modify designs.

RESPONSE FORMAT - Always respond with valid JSON:
{
  "message": "Your helpful response here",
  "actions": [
    {
      "type": "action_type",
      "payload": { ... },
      "description": "What this action does"
    }
  ]
}

AVAILABLE ACTIONS:
- spawn_shape: Create shapes (payload: { shapeType, options: { fill, position, width, height } })
- add_text: Add text (payload: { text, fontSize, fontFamily, fill, position })
- move_element: Move element (payload: { elementQuery, position })
- modify_element: Change properties (payload: { elementQuery, properties: { fill, stroke, opacity, etc } })
- resize_element: Resize (payload: { elementQuery, width, height, scale })
- delete_element: Remove element (payload: { elementQuery })
- change_canvas_background: Change background (payload: { color })
- search_images: Find images (payload: { query, count })
- add_image_to_canvas: Add image (payload: { url, position })
- ask_clarification: Ask user question (payload: { question, options })

POSITIONS: "center", "top-left", "top-center", "top-right", "middle-left", "middle-right", "bottom-left", "bottom-center", "bottom-right"
SHAPES: "rectangle", "circle", "triangle", "diamond", "star", "hexagon"

%s%s%s
Be concise. Execute actions when clear. Ask for clarification when needed.`

// buildSystemPrompt assembles the generation prompt from canvas state,
// recent conversation turns, and attached images.
func buildSystemPrompt(req *types.StreamRequest) string {
	contextInfo := summarizeContext(req.Context)
	historyContext := summarizeHistory(req.ConversationHistory)
	imageContext := summarizeImages(req.ImageAttachments)

	var canvasSection, historySection, imageSection string
	if contextInfo != "" {
		canvasSection = "CANVAS STATE:\n" + contextInfo + "\n"
	}
	if historyContext != "" {
		historySection = "RECENT HISTORY:\n" + historyContext + "\n"
	}
	if imageContext != "" {
		imageSection = "ATTACHED IMAGES:\n" + imageContext + "\n"
	}

	return fmt.Sprintf(systemPromptTemplate, canvasSection, historySection, imageSection)
}

func summarizeContext(ctx *types.CanvasContext) string {
	if ctx == nil {
		return ""
	}

	var sb strings.Builder
	if ctx.CanvasSize != nil {
		fmt.Fprintf(&sb, "Canvas: %dx%dpx. ", ctx.CanvasSize.Width, ctx.CanvasSize.Height)
	}
	if ctx.BackgroundColor != "" {
		fmt.Fprintf(&sb, "Background: %s. ", ctx.BackgroundColor)
	}
	if len(ctx.SelectedElementIDs) > 0 {
		fmt.Fprintf(&sb, "SELECTED: %s. ", strings.Join(ctx.SelectedElementIDs, ","))
	}
	if len(ctx.Elements) > 0 {
		elements := ctx.Elements
		if len(elements) > 8 {
			elements = elements[:8]
		}
		names := make([]string, 0, len(elements))
		for _, el := range elements {
			kind := "?"
			if t, ok := el["type"].(string); ok && t != "" {
				kind = t
			}
			if selected, _ := el["isSelected"].(bool); selected {
				kind += "*"
			}
			names = append(names, kind)
		}
		fmt.Fprintf(&sb, "Elements: %s. ", strings.Join(names, ", "))
	}
	return sb.String()
}

func summarizeHistory(history []types.HistoryEntry) string {
	if len(history) == 0 {
		return ""
	}
	// Only the most recent turns fit the prompt budget.
	if len(history) > 6 {
		history = history[len(history)-6:]
	}
	lines := make([]string, 0, len(history))
	for _, h := range history {
		role := "Assistant"
		if h.Role == "user" {
			role = "User"
		}
		lines = append(lines, role+": "+h.Content)
	}
	return strings.Join(lines, "\n")
}

func summarizeImages(images []types.ImageAttachment) string {
	if len(images) == 0 {
		return ""
	}
	lines := make([]string, 0, len(images))
	for i, img := range images {
		url := img.URL
		if url == "" && img.DataURL != "" {
			if len(img.DataURL) > 50 {
				url = img.DataURL[:50] + "..."
			} else {
				url = img.DataURL
			}
		}
		lines = append(lines, fmt.Sprintf("%d. %s: %s", i+1, img.Name, url))
	}
	return strings.Join(lines, "\n")
}
