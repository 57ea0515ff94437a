package filter

// classificationSystemPrompt asks for the structured verdict the pipeline
// decodes into visit.Classification.
const classificationSystemPrompt = `You classify web pages for a personal
knowledge base. Given a URL and a content sample, respond with JSON only:
{
  "page_type": one of "knowledge", "interactive_app", "aggregator", "leisure", "navigation", "other",
  "confidence": number between 0 and 1,
  "reasoning": short phrase, at most ten words,
  "should_process": boolean, true when the page is worth keeping
}
"knowledge" means articles, documentation, papers, tutorials, reference
material. Feeds and link lists are "aggregator". Tools you interact with
are "interactive_app".`
